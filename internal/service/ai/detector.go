package ai

import (
	"context"
	"fmt"
	"image"
	"image/color"
	"os"
	"sync"

	"gocv.io/x/gocv"

	"visionsurvey/internal/config"
	"visionsurvey/internal/logger"
	"visionsurvey/internal/service/ai/yolo"
	"visionsurvey/internal/service/classifier"
)

// DetectorService runs a YOLO ONNX model through the OpenCV DNN module.
// It satisfies classifier.Detector and classifier.Annotator.
type DetectorService struct {
	net            gocv.Net
	loaded         bool
	classNames     []string
	modelPath      string
	classNamesPath string
	inputSize      int
	scoreThreshold float32
	nmsThreshold   float32
	logger         *logger.Logger

	// gocv.Net nie jest bezpieczny dla równoległych Forward
	mu sync.Mutex
}

// NewDetectorService creates a detector from the model settings in config.
// A missing or broken model is logged; the service is then reported as not loaded.
func NewDetectorService(config *config.Config, logger *logger.Logger) *DetectorService {
	service := &DetectorService{
		modelPath:      config.ModelPath,
		classNamesPath: config.ClassNamesPath,
		inputSize:      config.ModelInputSize,
		scoreThreshold: float32(config.DetectionThreshold),
		nmsThreshold:   float32(config.NMSThreshold),
		logger:         logger,
	}
	if service.inputSize <= 0 {
		service.inputSize = 640
	}

	if err := service.initializeNet(); err != nil {
		service.logger.Warning("Could not initialize detection network: %v", err)
		return service
	}

	return service
}

// initializeNet loads class names and the DNN network and sets backend/target preferences.
func (s *DetectorService) initializeNet() error {
	if _, err := os.Stat(s.modelPath); os.IsNotExist(err) {
		return fmt.Errorf("model file not found: %s", s.modelPath)
	}

	// Bez listy klas nie da się odróżnić modelu OBB od zwykłego
	f, err := os.Open(s.classNamesPath)
	if err != nil {
		return fmt.Errorf("failed to open class names: %w", err)
	}
	names, err := yolo.ReadClassNames(f)
	f.Close()
	if err != nil {
		return err
	}
	if len(names) == 0 {
		return fmt.Errorf("class names file %s is empty", s.classNamesPath)
	}
	s.classNames = names

	net := gocv.ReadNet(s.modelPath, "")
	if net.Empty() {
		return fmt.Errorf("failed to load network from %s", s.modelPath)
	}

	errBackend := net.SetPreferableBackend(gocv.NetBackendDefault)
	errTarget := net.SetPreferableTarget(gocv.NetTargetCPU)
	if errBackend != nil || errTarget != nil {
		net.Close()
		return fmt.Errorf("failed to set preferable backend or target")
	}

	s.net = net
	s.loaded = true
	s.logger.Info("Detection network initialized successfully (%d classes)", len(s.classNames))
	return nil
}

// Loaded reports whether a model is ready for inference.
func (s *DetectorService) Loaded() bool {
	return s.loaded
}

// Detect runs the network on an encoded image. Oriented-box models fill
// Detections.Oriented, axis-aligned models fill Detections.Boxes.
func (s *DetectorService) Detect(ctx context.Context, imageData []byte) (classifier.Detections, error) {
	if !s.loaded {
		return classifier.Detections{}, classifier.ErrClassifierUnavailable
	}
	if err := ctx.Err(); err != nil {
		return classifier.Detections{}, err
	}

	mat, err := gocv.IMDecode(imageData, gocv.IMReadColor)
	if err != nil {
		return classifier.Detections{}, &classifier.DecodeError{Err: err}
	}
	defer mat.Close()

	if mat.Empty() {
		return classifier.Detections{}, &classifier.DecodeError{Err: fmt.Errorf("decoded image is empty")}
	}

	size := s.inputSize
	blob := gocv.BlobFromImage(mat, 1.0/255.0, image.Pt(size, size), gocv.NewScalar(0, 0, 0, 0), true, false)
	defer blob.Close()

	s.mu.Lock()
	s.net.SetInput(blob, "")
	output := s.net.Forward("")
	s.mu.Unlock()
	defer output.Close()

	layout, err := yolo.NewLayout(output.Size(), len(s.classNames))
	if err != nil {
		return classifier.Detections{}, err
	}

	values, err := output.DataPtrFloat32()
	if err != nil {
		return classifier.Detections{}, fmt.Errorf("failed to read network output: %w", err)
	}

	xScale := float64(mat.Cols()) / float64(size)
	yScale := float64(mat.Rows()) / float64(size)
	candidates, err := yolo.Decode(values, layout, s.scoreThreshold, xScale, yScale)
	if err != nil {
		return classifier.Detections{}, err
	}

	kept := s.suppress(candidates)

	var result classifier.Detections
	for _, c := range kept {
		det := classifier.Detection{
			Name:       yolo.ClassName(s.classNames, c.ClassID),
			Confidence: float64(c.Score),
			Box:        c.Box,
			Angle:      c.Angle,
		}
		if layout.Oriented() {
			result.Oriented = append(result.Oriented, det)
		} else {
			result.Boxes = append(result.Boxes, det)
		}
	}
	return result, nil
}

// suppress applies non-maximum suppression. Oriented boxes are suppressed
// on their axis-aligned extent.
func (s *DetectorService) suppress(candidates []yolo.Candidate) []yolo.Candidate {
	if len(candidates) == 0 {
		return nil
	}

	boxes := make([]image.Rectangle, len(candidates))
	scores := make([]float32, len(candidates))
	for i, c := range candidates {
		boxes[i] = c.Box
		scores[i] = c.Score
	}

	indices := gocv.NMSBoxes(boxes, scores, s.scoreThreshold, s.nmsThreshold)
	kept := make([]yolo.Candidate, 0, len(indices))
	for _, idx := range indices {
		kept = append(kept, candidates[idx])
	}
	return kept
}

// Annotate draws detections on the image and writes it to outPath.
func (s *DetectorService) Annotate(imageData []byte, detections []classifier.Detection, outPath string) error {
	red := color.RGBA{R: 255, G: 0, B: 0, A: 0}

	mat, err := gocv.IMDecode(imageData, gocv.IMReadColor)
	if err != nil {
		return fmt.Errorf("failed to decode image: %v", err)
	}
	defer mat.Close()

	for _, detection := range detections {
		if detection.Angle != 0 {
			pts := yolo.Corners(detection.Box, detection.Angle)
			for i := range pts {
				if err := gocv.Line(&mat, pts[i], pts[(i+1)%len(pts)], red, 2); err != nil {
					return fmt.Errorf("failed to draw line: %v", err)
				}
			}
		} else if err := gocv.Rectangle(&mat, detection.Box, red, 2); err != nil {
			return fmt.Errorf("failed to draw rectangle: %v", err)
		}

		label := fmt.Sprintf("%s (%.2f)", detection.Name, detection.Confidence)
		pt := image.Pt(detection.Box.Min.X, detection.Box.Min.Y-5)
		if err := gocv.PutText(&mat, label, pt, gocv.FontHersheySimplex, 0.5, red, 1); err != nil {
			return fmt.Errorf("failed to draw text: %v", err)
		}
	}

	if ok := gocv.IMWrite(outPath, mat); !ok {
		s.logger.Error("Failed to write preview %s", outPath)
		return fmt.Errorf("failed to write preview %s", outPath)
	}
	return nil
}

// Close releases the network.
func (s *DetectorService) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.loaded {
		s.loaded = false
		return s.net.Close()
	}
	return nil
}
