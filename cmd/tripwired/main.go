package main

import (
	"fmt"
	"log/slog"
	"net/http"
	"os"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"

	"github.com/BDNK1/tripwire"
	"github.com/BDNK1/tripwire/engine/dsl"
	"github.com/BDNK1/tripwire/engine/lua"
	"github.com/BDNK1/tripwire/engine/script"
	"github.com/BDNK1/tripwire/engine/wasm"
)

func main() {
	root := &cobra.Command{
		Use:   "tripwired",
		Short: "Trigger evaluation and multi-runtime function execution daemon",
	}
	root.AddCommand(serveCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	var (
		configDir  string
		addr       string
		forwardURL string
		workers    int
		jsonLogs   bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Load trigger/function definitions and serve the event intake endpoint",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := newLogger(jsonLogs)

			factory := tripwire.NewFactory()
			dsl.Register(factory)
			script.Register(factory)
			wasm.Register(factory)
			lua.Register(factory)

			registry := tripwire.NewRegistry()
			functions := tripwire.NewFunctionRegistry(factory)

			cfg, err := tripwire.LoadConfigDir(configDir)
			if err != nil {
				return fmt.Errorf("loading config: %w", err)
			}
			if err := cfg.Apply(registry, functions); err != nil {
				return fmt.Errorf("applying config: %w", err)
			}
			logger.Info("Definitions loaded",
				"dir", configDir,
				"triggers", registry.Len())

			opts := []tripwire.OrchestratorOption{tripwire.WithWorkers(workers)}
			if forwardURL != "" {
				forward, fwErr := tripwire.NewHTTPForward(logger, tripwire.HTTPForwardConfig{URL: forwardURL})
				if fwErr != nil {
					return fmt.Errorf("configuring forward: %w", fwErr)
				}
				opts = append(opts, tripwire.WithForward(forward))
			}

			dispatcher := tripwire.NewDispatcher(logger, registry)
			orchestrator := tripwire.NewOrchestrator(logger, functions, factory, opts...)

			router := newRouter(logger, registry, functions, dispatcher, orchestrator, configDir)
			logger.Info("Listening", "addr", addr)
			return router.Run(addr)
		},
	}

	cmd.Flags().StringVar(&configDir, "config", "config", "directory containing trigger/function YAML definitions")
	cmd.Flags().StringVar(&addr, "addr", ":8080", "listen address")
	cmd.Flags().StringVar(&forwardURL, "forward-url", "", "webhook URL to deliver execution results to")
	cmd.Flags().IntVar(&workers, "workers", 16, "max concurrently executing fire decisions")
	cmd.Flags().BoolVar(&jsonLogs, "json-logs", false, "emit JSON logs")
	return cmd
}

func newLogger(jsonLogs bool) *slog.Logger {
	if jsonLogs {
		return slog.New(slog.NewJSONHandler(os.Stdout, nil))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, nil))
}

type eventRequest struct {
	Source        string         `json:"source"`
	CorrelationID string         `json:"correlation_id"`
	Payload       map[string]any `json:"payload" binding:"required"`
}

func newRouter(
	logger *slog.Logger,
	registry *tripwire.Registry,
	functions *tripwire.FunctionRegistry,
	dispatcher *tripwire.Dispatcher,
	orchestrator *tripwire.Orchestrator,
	configDir string,
) *gin.Engine {
	router := gin.Default()

	router.POST("/events", func(c *gin.Context) {
		var req eventRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"message": "invalid event: " + err.Error()})
			return
		}

		evt := tripwire.NewEvent(req.Source, req.Payload)
		if req.CorrelationID != "" {
			evt.CorrelationID = req.CorrelationID
		}

		fires, failures := dispatcher.Dispatch(c.Request.Context(), evt)
		orchestrator.ForwardEvalFailures(c.Request.Context(), failures)
		results := orchestrator.ExecuteAll(c.Request.Context(), fires)

		fired := make([]gin.H, 0, len(fires))
		for i, fire := range fires {
			statuses := make([]string, 0, len(results[i]))
			for _, result := range results[i] {
				statuses = append(statuses, string(result.Status))
			}
			fired = append(fired, gin.H{
				"trigger_id": fire.TriggerID,
				"functions":  fire.FunctionIDs,
				"statuses":   statuses,
			})
		}
		c.JSON(http.StatusOK, gin.H{
			"event_id":      evt.ID,
			"fired":         fired,
			"eval_failures": len(failures),
		})
	})

	router.GET("/triggers", func(c *gin.Context) {
		c.JSON(http.StatusOK, registry.Snapshot())
	})

	router.POST("/triggers/:id/activate", func(c *gin.Context) {
		if err := registry.Activate(c.Param("id")); err != nil {
			c.JSON(http.StatusNotFound, gin.H{"message": err.Error()})
			return
		}
		c.Status(http.StatusNoContent)
	})

	router.POST("/triggers/:id/deactivate", func(c *gin.Context) {
		if err := registry.Deactivate(c.Param("id")); err != nil {
			c.JSON(http.StatusNotFound, gin.H{"message": err.Error()})
			return
		}
		c.Status(http.StatusNoContent)
	})

	router.POST("/reload", func(c *gin.Context) {
		fresh, err := tripwire.LoadConfigDir(configDir)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"message": err.Error()})
			return
		}
		if err := fresh.Apply(registry, functions); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"message": err.Error()})
			return
		}
		logger.InfoContext(c.Request.Context(), "Definitions reloaded", "triggers", registry.Len())
		c.Status(http.StatusNoContent)
	})

	return router
}
