package api

import (
	"time"

	"github.com/rs/zerolog"

	"treeleaf/internal/copier"
	"treeleaf/internal/repeat"
	"treeleaf/internal/store"
	"treeleaf/internal/submission"
)

// Deps: то, что нужно HTTP-слою снаружи.
type Deps struct {
	Store     store.Store
	Log       zerolog.Logger
	TxTimeout time.Duration
	// SeedRoot: куда смотрит /api/admin/seed, если путь не передан
	SeedRoot string
}

type Server struct {
	store       store.Store
	repeat      *repeat.Service
	submissions *submission.Service
	log         zerolog.Logger
	timeout     time.Duration
	seedRoot    string
}

func NewServer(d Deps) *Server {
	log := d.Log.With().Str("component", "api").Logger()
	engine := copier.New(d.Log)
	subs := submission.New(d.Log)
	return &Server{
		store:       d.Store,
		repeat:      repeat.NewService(d.Store, engine, subs, d.Log),
		submissions: subs,
		log:         log,
		timeout:     d.TxTimeout,
		seedRoot:    d.SeedRoot,
	}
}
