package api

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
)

// NewRouter registers every route. ws may be nil when push is disabled.
func NewRouter(h *Handler, ws http.HandlerFunc, logger *logrus.Logger) *mux.Router {
	router := mux.NewRouter()

	router.HandleFunc("/health", h.HealthCheck).Methods("GET", "OPTIONS")

	router.HandleFunc("/products", h.ListProducts).Methods("GET", "OPTIONS")
	router.HandleFunc("/products", h.CreateProduct).Methods("POST", "OPTIONS")
	router.HandleFunc("/products/{id}", h.GetProduct).Methods("GET", "OPTIONS")
	router.HandleFunc("/products/{id}", h.UpdateProduct).Methods("PUT", "OPTIONS")
	router.HandleFunc("/products/{id}", h.DeleteProduct).Methods("DELETE", "OPTIONS")
	router.HandleFunc("/products/{id}/featured", h.ToggleFeatured).Methods("POST", "OPTIONS")
	router.HandleFunc("/products/{id}/best-seller", h.ToggleBestSeller).Methods("POST", "OPTIONS")
	router.HandleFunc("/products/{id}/inquiry", h.Inquiry).Methods("POST", "OPTIONS")

	router.HandleFunc("/settings", h.GetSettings).Methods("GET", "OPTIONS")
	router.HandleFunc("/settings", h.UpdateSettings).Methods("PUT", "OPTIONS")

	router.HandleFunc("/orders", h.CreateOrder).Methods("POST", "OPTIONS")
	router.HandleFunc("/orders", h.ListOrders).Methods("GET", "OPTIONS")
	router.HandleFunc("/orders/lookup", h.LookupOrders).Methods("GET", "OPTIONS")
	router.HandleFunc("/orders/{id}", h.GetOrder).Methods("GET", "OPTIONS")
	router.HandleFunc("/orders/{id}", h.DeleteOrder).Methods("DELETE", "OPTIONS")
	router.HandleFunc("/orders/{id}/status", h.UpdateOrderStatus).Methods("PATCH", "OPTIONS")

	router.HandleFunc("/customers", h.ListCustomers).Methods("GET", "OPTIONS")
	router.HandleFunc("/prefs/last-phone", h.LastPhone).Methods("GET", "OPTIONS")

	if ws != nil {
		router.HandleFunc("/ws", ws)
	}

	router.Use(corsMiddleware())
	router.Use(loggingMiddleware(logger))
	return router
}

func corsMiddleware() mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusOK)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

func loggingMiddleware(logger *logrus.Logger) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			// The websocket upgrade needs the raw writer.
			if r.URL.Path == "/ws" {
				next.ServeHTTP(w, r)
				return
			}

			start := time.Now()
			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rec, r)

			logger.WithFields(logrus.Fields{
				"method":   r.Method,
				"path":     r.URL.Path,
				"status":   rec.status,
				"duration": time.Since(start).Milliseconds(),
			}).Info("Request completed")
		})
	}
}
