package presenter

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/omni/relay-server/logging"
	middleware2 "github.com/omni/relay-server/presenter/http/middleware"
	"github.com/omni/relay-server/presenter/http/render"
	"github.com/omni/relay-server/relay"
)

const maxRequestBodySize = 1 << 20

type RelayService interface {
	Info() *relay.PingResponse
	CreateRelayTransaction(ctx context.Context, req *relay.RelayTransactionRequest) (*relay.RelayTransactionResponse, error)
	Stats(ctx context.Context) (*relay.Stats, error)
}

// Presenter is the client facing HTTP surface of the relay.
type Presenter struct {
	logger logging.Logger
	relay  RelayService
	root   chi.Router
}

func NewPresenter(logger logging.Logger, relayService RelayService) *Presenter {
	p := &Presenter{
		logger: logger,
		relay:  relayService,
		root:   chi.NewMux(),
	}
	p.root.Use(middleware.Throttle(50))
	p.root.Use(middleware.RequestID)
	p.root.Use(middleware2.NewLoggerMiddleware(p.logger))
	p.root.Use(middleware2.Recoverer)
	p.root.Get("/getaddr", p.GetAddr)
	p.root.Post("/relay", p.Relay)
	p.root.Get("/stats", p.Stats)
	return p
}

func (p *Presenter) Handler() http.Handler {
	return p.root
}

func (p *Presenter) Serve(addr string) error {
	p.logger.WithField("addr", addr).Info("starting presenter service")
	return http.ListenAndServe(addr, p.root)
}

func (p *Presenter) GetAddr(w http.ResponseWriter, r *http.Request) {
	render.JSON(w, r, http.StatusOK, p.relay.Info())
}

func (p *Presenter) Relay(w http.ResponseWriter, r *http.Request) {
	req := new(relay.RelayTransactionRequest)
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBodySize))
	if err := dec.Decode(req); err != nil {
		render.BadRequest(w, r, fmt.Errorf("can't decode relay request: %w", err))
		return
	}

	res, err := p.relay.CreateRelayTransaction(r.Context(), req)
	if relay.IsRejection(err) {
		render.Rejected(w, r, err)
		return
	}
	if err != nil {
		render.Error(w, r, fmt.Errorf("can't relay transaction: %w", err))
		return
	}
	render.JSON(w, r, http.StatusOK, res)
}

func (p *Presenter) Stats(w http.ResponseWriter, r *http.Request) {
	stats, err := p.relay.Stats(r.Context())
	if err != nil {
		render.Error(w, r, fmt.Errorf("can't collect stats: %w", err))
		return
	}
	render.JSON(w, r, http.StatusOK, stats)
}
