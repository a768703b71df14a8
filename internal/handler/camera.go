package handler

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"visionsurvey/internal/config"
	"visionsurvey/internal/logger"
	"visionsurvey/internal/service/storage"
)

// MinFrameInterval limits how often one camera may drop a frame into the input directory.
const MinFrameInterval = time.Second

var (
	jpegHeader = []byte{0xFF, 0xD8}
	jpegFooter = []byte{0xFF, 0xD9}
)

// frameAssembler rebuilds JPEG frames split across UDP packets, per camera.
type frameAssembler struct {
	buffers  map[string]*bytes.Buffer
	lastSave map[string]time.Time
}

func newFrameAssembler() *frameAssembler {
	return &frameAssembler{
		buffers:  make(map[string]*bytes.Buffer),
		lastSave: make(map[string]time.Time),
	}
}

// Feed appends one packet; it returns a complete frame when the packet ends one.
func (a *frameAssembler) Feed(camera string, data []byte) ([]byte, bool) {
	buf, ok := a.buffers[camera]
	if !ok {
		buf = new(bytes.Buffer)
		a.buffers[camera] = buf
	}

	if bytes.HasPrefix(data, jpegHeader) {
		buf.Reset()
	}
	buf.Write(data)

	if !bytes.HasSuffix(data, jpegFooter) || !bytes.HasPrefix(buf.Bytes(), jpegHeader) {
		return nil, false
	}

	frame := make([]byte, buf.Len())
	copy(frame, buf.Bytes())
	buf.Reset()
	return frame, true
}

// Due reports whether a frame from camera may be saved at now, and records it.
func (a *frameAssembler) Due(camera string, now time.Time) bool {
	if last, ok := a.lastSave[camera]; ok && now.Sub(last) < MinFrameInterval {
		return false
	}
	a.lastSave[camera] = now
	return true
}

// cameraFrameName encodes the capture time so the watcher can parse it back.
func cameraFrameName(camera string, now time.Time) string {
	return fmt.Sprintf("cam_%s_%03d_%s.jpg", now.Format("20060102_150405"), now.Nanosecond()/int(time.Millisecond), camera)
}

// UDPCameraHandler listens for UDP packets from cameras, reconstructs JPEG frames
// and writes at most one frame per camera per MinFrameInterval into the input directory.
// It returns when ctx is cancelled.
func UDPCameraHandler(ctx context.Context, config *config.Config, logger *logger.Logger) {
	port := strconv.Itoa(config.CamerasPort)

	addr, err := net.ResolveUDPAddr("udp", ":"+port)
	if err != nil {
		logger.Error("Failed to resolve UDP address: %v", err)
		return
	}

	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		logger.Error("Failed to listen on UDP port %s: %v", port, err)
		return
	}

	var once sync.Once
	closeConn := func() { once.Do(func() { conn.Close() }) }
	defer closeConn()
	go func() {
		<-ctx.Done()
		closeConn()
	}()

	logger.Info("UDP Camera handler started on port %s", port)
	serveCameraPackets(ctx, conn, config, logger)
}

func serveCameraPackets(ctx context.Context, conn net.PacketConn, config *config.Config, logger *logger.Logger) {
	buffer := make([]byte, 2048)
	frames := newFrameAssembler()

	for {
		n, remoteAddr, err := conn.ReadFrom(buffer)
		if err != nil {
			if ctx.Err() != nil {
				logger.Info("UDP Camera handler stopped")
				return
			}
			logger.Error("Error reading UDP packet: %v", err)
			continue
		}

		ip := remoteAddr.String()
		if host, _, err := net.SplitHostPort(ip); err == nil {
			ip = host
		}
		cameraName, exists := config.CameraNames[ip]
		if !exists {
			cameraName = "unknown_" + storage.SanitizeLabel(ip)
		}

		frame, complete := frames.Feed(cameraName, buffer[:n])
		if !complete {
			continue
		}

		now := time.Now()
		if !frames.Due(cameraName, now) {
			continue
		}

		name := cameraFrameName(storage.SanitizeLabel(cameraName), now)
		if _, err := storage.WriteAtomic(config.InputDirectory, name, bytes.NewReader(frame)); err != nil {
			logger.Error("Failed to store frame from %s: %v", cameraName, err)
		}
	}
}
