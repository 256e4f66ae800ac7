// Package api serves a read-only HTTP view of the ledger: runs, their
// tasks and their event streams.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/roach88/darkfactory/internal/ledger"
)

// Reader is the part of the ledger the API needs.
type Reader interface {
	ListRuns(ctx context.Context, limit int) ([]ledger.Run, error)
	GetRun(ctx context.Context, id string) (ledger.Run, error)
	ListTasks(ctx context.Context, runID string) ([]ledger.Task, error)
	CountTasksByStatus(ctx context.Context, runID string) (map[ledger.TaskStatus]int, error)
	ListEvents(ctx context.Context, f ledger.EventFilter) ([]ledger.Event, error)
}

var _ Reader = (*ledger.Ledger)(nil)

// Config for the HTTP handler.
type Config struct {
	Ledger   Reader
	BasePath string
	Version  string
}

// RunStatus is a run together with its task counts.
type RunStatus struct {
	ledger.Run
	TaskCounts map[ledger.TaskStatus]int `json:"taskCounts"`
}

// New returns the API handler.
func New(cfg Config) (http.Handler, error) {
	if cfg.Ledger == nil {
		return nil, errors.New("api: ledger is required")
	}
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v1"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	version := cfg.Version
	if version == "" {
		version = "dev"
	}

	router := chi.NewRouter()
	router.Use(middleware.Recoverer)
	router.Use(requestLogger)

	hcfg := huma.DefaultConfig("darkfactory status API", version)
	hcfg.OpenAPIPath = basePath + "/openapi"
	hcfg.DocsPath = ""
	hcfg.SchemasPath = basePath + "/schemas"
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerHealth(group)
	registerRuns(group, cfg.Ledger)
	registerTasks(group, cfg.Ledger)
	registerEvents(group, cfg.Ledger)
	return router, nil
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		slog.Debug("api request", "method", r.Method, "path", r.URL.Path, "status", ww.Status())
	})
}

func handleError(err error) error {
	if errors.Is(err, ledger.ErrNotFound) {
		return huma.Error404NotFound(err.Error())
	}
	slog.Error("api request failed", "error", err)
	return huma.Error500InternalServerError("ledger read failed")
}

type runPath struct {
	RunID string `path:"run_id" doc:"Run identifier"`
}

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "ok"}}, nil
	})
}

func registerRuns(api huma.API, l Reader) {
	huma.Register(api, huma.Operation{
		OperationID: "list-runs",
		Method:      http.MethodGet,
		Path:        "/runs",
		Summary:     "List runs, newest first",
	}, func(ctx context.Context, in *struct {
		Limit int `query:"limit" default:"50" minimum:"0" doc:"Maximum number of runs; 0 returns all"`
	}) (*struct {
		Body []ledger.Run `json:"body"`
	}, error) {
		runs, err := l.ListRuns(ctx, in.Limit)
		if err != nil {
			return nil, handleError(err)
		}
		if runs == nil {
			runs = []ledger.Run{}
		}
		return &struct {
			Body []ledger.Run `json:"body"`
		}{Body: runs}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-run",
		Method:      http.MethodGet,
		Path:        "/runs/{run_id}",
		Summary:     "Run status with task counts",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, in *runPath) (*struct {
		Body RunStatus `json:"body"`
	}, error) {
		run, err := l.GetRun(ctx, in.RunID)
		if err != nil {
			return nil, handleError(err)
		}
		counts, err := l.CountTasksByStatus(ctx, in.RunID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body RunStatus `json:"body"`
		}{Body: RunStatus{Run: run, TaskCounts: counts}}, nil
	})
}

func registerTasks(api huma.API, l Reader) {
	huma.Register(api, huma.Operation{
		OperationID: "list-tasks",
		Method:      http.MethodGet,
		Path:        "/runs/{run_id}/tasks",
		Summary:     "Task attempts of a run in dispatch order",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, in *runPath) (*struct {
		Body []ledger.Task `json:"body"`
	}, error) {
		if _, err := l.GetRun(ctx, in.RunID); err != nil {
			return nil, handleError(err)
		}
		tasks, err := l.ListTasks(ctx, in.RunID)
		if err != nil {
			return nil, handleError(err)
		}
		if tasks == nil {
			tasks = []ledger.Task{}
		}
		return &struct {
			Body []ledger.Task `json:"body"`
		}{Body: tasks}, nil
	})
}

func registerEvents(api huma.API, l Reader) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/runs/{run_id}/events",
		Summary:     "Event stream of a run in replay order",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, in *struct {
		RunID      string `path:"run_id"`
		TaskID     string `query:"task_id"`
		TypePrefix string `query:"type" doc:"Event type prefix, e.g. task. or validation."`
		AfterSeq   int64  `query:"after_seq" minimum:"0" doc:"Only events with a larger sequence number"`
		Limit      int    `query:"limit" default:"500" minimum:"0"`
	}) (*struct {
		Body []ledger.Event `json:"body"`
	}, error) {
		if _, err := l.GetRun(ctx, in.RunID); err != nil {
			return nil, handleError(err)
		}
		events, err := l.ListEvents(ctx, ledger.EventFilter{
			RunID:      in.RunID,
			TaskID:     in.TaskID,
			TypePrefix: in.TypePrefix,
			AfterSeq:   in.AfterSeq,
			Limit:      in.Limit,
		})
		if err != nil {
			return nil, handleError(err)
		}
		if events == nil {
			events = []ledger.Event{}
		}
		return &struct {
			Body []ledger.Event `json:"body"`
		}{Body: events}, nil
	})
}
