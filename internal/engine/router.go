// ABOUTME: Feature router: applies the catalog transition bound to a model feature tag
// ABOUTME: Decides the final reply text, with firing transitions overriding the model text

package engine

import (
	"fmt"
	"log/slog"

	"github.com/2389/cobrai-gateway/internal/catalog"
	"github.com/2389/cobrai-gateway/internal/session"
)

// Routed is the router's decision for one reply.
type Routed struct {
	Text       string
	Mode       session.Mode
	Stage      session.Stage
	Transition bool
}

// Router moves sessions between modes.
type Router struct {
	store   session.Store
	catalog *catalog.Catalog
	logger  *slog.Logger
}

// NewRouter creates a router over store driven by cat.
func NewRouter(store session.Store, cat *catalog.Catalog, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{store: store, catalog: cat, logger: logger.With("component", "router")}
}

// Route applies feature to the user's session and returns the text to send.
// The caller must hold the user's session section.
func (r *Router) Route(userID string, feature catalog.Feature, proposed string) (Routed, error) {
	sess, err := r.store.Get(userID)
	if err != nil {
		return Routed{}, fmt.Errorf("routing: %w", err)
	}
	keep := Routed{Text: proposed, Mode: sess.Mode, Stage: sess.Stage}

	if feature == catalog.NoFeature {
		return keep, nil
	}
	spec, ok := r.catalog.Feature(feature)
	if !ok {
		return keep, nil
	}

	switch spec.Action {
	case catalog.ActionEnterMode:
		if sess.Mode == spec.Mode {
			if spec.RepeatStage != session.StageNone && sess.Stage != spec.RepeatStage {
				if err := r.store.SetStage(userID, spec.RepeatStage); err != nil {
					return Routed{}, fmt.Errorf("routing: %w", err)
				}
				keep.Stage = spec.RepeatStage
			}
			return keep, nil
		}
		return r.replace(userID, spec.Mode, spec.Reply)

	case catalog.ActionReset:
		return r.replace(userID, r.catalog.DefaultMode, spec.Reply)
	}
	return keep, nil
}

func (r *Router) replace(userID string, mode session.Mode, reply string) (Routed, error) {
	if err := r.store.ReplaceSession(userID, mode, r.catalog.Preamble(mode)); err != nil {
		return Routed{}, fmt.Errorf("routing: %w", err)
	}

	stage := session.StageNone
	if m, ok := r.catalog.Mode(mode); ok && m.InitialStage != session.StageNone {
		stage = m.InitialStage
		if err := r.store.SetStage(userID, stage); err != nil {
			return Routed{}, fmt.Errorf("routing: %w", err)
		}
	}

	r.logger.Info("session mode changed", "mode", mode, "stage", stage)
	return Routed{Text: reply, Mode: mode, Stage: stage, Transition: true}, nil
}
