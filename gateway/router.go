package gateway

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"marketd/core"
	"marketd/market"
)

// Config assembles the gateway handler.
type Config struct {
	Node          *core.Node
	Orders        *OrderIndex
	Authenticator *Authenticator
	RateLimiter   *RateLimiter
	ServiceName   string
}

// New builds the REST handler: health and metrics outside the guarded
// group, the /v1 read API inside it, everything traced.
func New(cfg Config) (http.Handler, error) {
	if cfg.Node == nil {
		return nil, errors.New("gateway: node required")
	}
	if cfg.ServiceName == "" {
		cfg.ServiceName = "marketd-gateway"
	}

	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/v1", func(v1 chi.Router) {
		if cfg.RateLimiter != nil {
			v1.Use(cfg.RateLimiter.Middleware())
		}
		if cfg.Authenticator != nil {
			v1.Use(cfg.Authenticator.Middleware("market:read"))
		}
		v1.Get("/listings/{id}", getListingHandler(cfg.Node))
		v1.Get("/bids/{id}", getBidHandler(cfg.Node))
		if cfg.Orders != nil {
			v1.Get("/orders", listOrdersHandler(cfg.Orders))
			v1.Get("/orders/{bidID}", getOrderHandler(cfg.Orders))
		}
	})

	return otelhttp.NewHandler(r, cfg.ServiceName), nil
}

func getListingHandler(node *core.Node) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := market.ParseID(chi.URLParam(r, "id"))
		if err != nil {
			writeJSONError(w, http.StatusBadRequest, "invalid listing id")
			return
		}
		l, err := node.GetListing(id)
		if err != nil {
			writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, l)
	}
}

func getBidHandler(node *core.Node) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := market.ParseID(chi.URLParam(r, "id"))
		if err != nil {
			writeJSONError(w, http.StatusBadRequest, "invalid bid id")
			return
		}
		b, err := node.GetBid(id)
		if err != nil {
			writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, b)
	}
}

func getOrderHandler(orders *OrderIndex) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := market.ParseID(chi.URLParam(r, "bidID"))
		if err != nil {
			writeJSONError(w, http.StatusBadRequest, "invalid bid id")
			return
		}
		row, err := orders.Get(id)
		if err != nil {
			writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, row)
	}
}

func listOrdersHandler(orders *OrderIndex) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := 0
		if raw := r.URL.Query().Get("limit"); raw != "" {
			parsed, err := strconv.Atoi(raw)
			if err != nil || parsed < 0 {
				writeJSONError(w, http.StatusBadRequest, "invalid limit")
				return
			}
			limit = parsed
		}
		rows, err := orders.List(OrderFilter{
			Buyer:  r.URL.Query().Get("buyer"),
			Seller: r.URL.Query().Get("seller"),
			Status: r.URL.Query().Get("status"),
			Limit:  limit,
		})
		if err != nil {
			writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"orders": rows})
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeJSONError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func writeMappedError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, market.ErrNotFound):
		writeJSONError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, market.ErrValidation):
		writeJSONError(w, http.StatusBadRequest, err.Error())
	default:
		writeJSONError(w, http.StatusInternalServerError, "internal error")
	}
}
