package httpapi

import (
	"net/http"
	"strings"

	"go.uber.org/zap"
)

// Router 使用标准库 http.ServeMux，外层统一加 CORS
type Router struct {
	mux    *http.ServeMux
	logger *zap.Logger
}

func NewRouter(logger *zap.Logger) *Router {
	r := &Router{
		mux:    http.NewServeMux(),
		logger: logger,
	}
	r.Handle("/healthz", func(w http.ResponseWriter, req *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	return r
}

func (r *Router) Handle(pattern string, h http.HandlerFunc) {
	r.mux.HandleFunc(pattern, h)
}

// ServeHTTP 允许任意来源（仪表盘前端与 API 分开部署）
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	h := w.Header()
	h.Set("Access-Control-Allow-Origin", "*")
	h.Set("Access-Control-Allow-Methods", "GET, POST, PUT, OPTIONS")
	h.Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
	if req.Method == http.MethodOptions {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	r.mux.ServeHTTP(w, req)
}

// RegisterDeviceRoutes /api/devices
func (r *Router) RegisterDeviceRoutes(d *DeviceHandler) {
	r.Handle("/api/devices", func(w http.ResponseWriter, req *http.Request) {
		switch req.Method {
		case http.MethodGet:
			d.ListDevices(w, req)
		case http.MethodPost:
			d.CreateDevice(w, req)
		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
	})
	r.Handle("/api/devices/", func(w http.ResponseWriter, req *http.Request) {
		id := strings.TrimPrefix(req.URL.Path, "/api/devices/")
		if id == "" || strings.Contains(id, "/") {
			writeError(w, http.StatusNotFound, "Device not found")
			return
		}
		switch req.Method {
		case http.MethodGet:
			d.GetDevice(w, req, id)
		case http.MethodPut:
			d.UpdateDevice(w, req, id)
		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
	})
}

// RegisterTemperatureRoutes /api/temperature
func (r *Router) RegisterTemperatureRoutes(t *TemperatureHandler) {
	r.Handle("/api/temperature/get_temperatures", func(w http.ResponseWriter, req *http.Request) {
		if req.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		t.GetTemperatures(w, req)
	})
	r.Handle("/api/temperature/latest", func(w http.ResponseWriter, req *http.Request) {
		if req.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		t.GetLatest(w, req)
	})
}

// RegisterBreachRoutes /api/breaches
// /api/breaches/ongoing 与 /api/breaches/export 优先于 /api/breaches/{deviceId}
func (r *Router) RegisterBreachRoutes(b *BreachHandler) {
	r.Handle("/api/breaches", func(w http.ResponseWriter, req *http.Request) {
		if req.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		b.ListBreaches(w, req)
	})
	r.Handle("/api/breaches/", func(w http.ResponseWriter, req *http.Request) {
		if req.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		id := strings.TrimPrefix(req.URL.Path, "/api/breaches/")
		switch {
		case id == "ongoing":
			b.ListOngoing(w, req)
		case id == "export":
			b.Export(w, req)
		case id == "" || strings.Contains(id, "/"):
			writeError(w, http.StatusNotFound, "not found")
		default:
			b.ListDeviceBreaches(w, req, id)
		}
	})
}
