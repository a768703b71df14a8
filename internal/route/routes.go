package route

import (
	"net/http"
	"os"
	"path/filepath"

	"visionsurvey/internal/config"
	"visionsurvey/internal/dto"
	"visionsurvey/internal/handler"
	"visionsurvey/internal/logger"
	"visionsurvey/internal/service"
)

// dynamicHTMLHandler serves /path as {static}/path.html if the file exists; otherwise 404.
func dynamicHTMLHandler(staticDir string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		path := r.URL.Path

		if path == "/" {
			path = "/index"
		}

		filePath := filepath.Join(staticDir, filepath.Clean("/"+path)+".html")

		if _, err := os.Stat(filePath); os.IsNotExist(err) {
			http.NotFound(w, r)
			return
		}

		http.ServeFile(w, r, filePath)
	}
}

// SetupRoutes registers static file serving, output images, the query API,
// the live feed, uploads and log endpoints.
func SetupRoutes(manager *service.Manager, cfg *config.Config, logger *logger.Logger) http.Handler {
	mux := http.NewServeMux()

	// Static files (last.jpg, last_annotated.jpg, pages)
	mux.Handle("/static/", http.StripPrefix("/static/", http.FileServer(http.Dir(cfg.StaticDirectory))))
	mux.HandleFunc(dto.UploadsPrefix, handler.ViewOutputHandler(manager))

	mux.HandleFunc("/health", handler.HealthHandler(manager.DetectorLoaded, logger))

	// API endpoints
	mux.HandleFunc("/api/data", handler.GetRecordsHandler(manager, logger))
	mux.HandleFunc("/api/newer", handler.GetNewerRecordsHandler(manager, logger))
	mux.HandleFunc("/api/stats", handler.GetStatsHandler(manager, logger))
	mux.HandleFunc("/api/count", handler.GetCountHandler(manager, logger))
	mux.HandleFunc("/api/count_all", handler.GetCountAllHandler(manager, logger))
	mux.HandleFunc("/api/trend", handler.GetTrendHandler(manager, logger))
	mux.HandleFunc("/api/compare", handler.GetCompareHandler(manager, logger))
	mux.HandleFunc("/api/stream", handler.StreamHandler(manager, cfg, logger))
	mux.HandleFunc("/api/view", handler.ViewWebsocketHandler(manager, logger))
	mux.HandleFunc("/api/upload_cam", handler.UploadCameraHandler(cfg, logger))

	// Log endpoints
	for _, name := range []string{"info", "warning", "error"} {
		file := name + ".log"
		mux.HandleFunc("/logs/"+name, handler.ShowLogsHandler(cfg, file))
		mux.HandleFunc("/logs/"+name+"/clear", handler.ClearLogsHandler(logger, file))
	}

	// Automatic HTML handler mapping for example: /dashboard -> {static}/dashboard.html
	mux.HandleFunc("/", dynamicHTMLHandler(cfg.StaticDirectory))

	return mux
}
