package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/fatih/color"
	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/CodeMonkeyCybersecurity/authmatrix/internal/api"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the authmatrix HTTP API server",
	Long: `Start the HTTP API server.

This server provides:
- The REST API under /api/v1 (projects, roles, users, templates, analysis)
- Capture ingestion for proxies (POST /api/v1/capture)
- A live event stream (GET /api/v1/events, websocket)
- The matrix dashboard at /

Example:
  AUTHMATRIX_API_KEY=secret authmatrix serve --port 8080
  authmatrix serve --project <id> --tls-cert cert.pem --tls-key key.pem
`,
	RunE: runServe,
}

var (
	tlsCert string
	tlsKey  string
)

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().Int("port", 8080, "Port to listen on")
	serveCmd.Flags().String("host", "127.0.0.1", "Host to bind to")
	serveCmd.Flags().Bool("cors", true, "Enable CORS for browser extensions and local UIs")
	serveCmd.Flags().StringVar(&tlsCert, "tls-cert", "", "Path to TLS certificate (optional)")
	serveCmd.Flags().StringVar(&tlsKey, "tls-key", "", "Path to TLS private key (optional)")
	viper.BindPFlag("server.port", serveCmd.Flags().Lookup("port"))
	viper.BindPFlag("server.host", serveCmd.Flags().Lookup("host"))
	viper.BindPFlag("server.cors", serveCmd.Flags().Lookup("cors"))
}

func runServe(cmd *cobra.Command, args []string) error {
	if tlsCert != "" || tlsKey != "" {
		if tlsCert == "" || tlsKey == "" {
			return fmt.Errorf("both --tls-cert and --tls-key must be provided for TLS")
		}
		if _, err := os.Stat(tlsCert); err != nil {
			return fmt.Errorf("TLS cert file not found or not readable: %w", err)
		}
		if _, err := os.Stat(tlsKey); err != nil {
			return fmt.Errorf("TLS key file not found or not readable: %w", err)
		}
	}

	cfg, err := loadConfig(true)
	if err != nil {
		return err
	}

	ctx, stop := signalContext(cmd.Context())
	defer stop()

	app, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer app.Close()
	log := app.Logger.WithComponent("api-server")

	if viper.GetString("project") != "" {
		if err := app.selectProject(ctx); err != nil {
			return err
		}
	}

	if os.Getenv("GIN_MODE") == "" {
		gin.SetMode(gin.ReleaseMode)
	}

	server := api.NewServer(app.Service, app.Bus, *cfg, app.Logger)
	if app.Remote != nil {
		// Websocket clients of this instance also see what other instances emit.
		go func() {
			if err := app.Remote.Follow(ctx, app.Bus.Deliver); err != nil {
				log.Warnw("Stopped following remote events", "error", err)
			}
		}()
	}
	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}

	log.Infow("Starting authmatrix API server",
		"address", addr,
		"cors_enabled", cfg.Server.CORS,
		"auth_enabled", cfg.Security.EnableAuth,
		"tls_enabled", tlsCert != "",
		"database", cfg.Database.Driver,
		"config_file", viper.ConfigFileUsed(),
	)
	scheme := "http"
	if tlsCert != "" {
		scheme = "https"
	}
	color.Cyan("Dashboard: %s://%s/\n", scheme, addr)
	color.White("API:       %s://%s/api/v1/\n\n", scheme, addr)

	serverErrors := make(chan error, 1)
	go func() {
		if tlsCert != "" {
			serverErrors <- httpServer.ListenAndServeTLS(tlsCert, tlsKey)
		} else {
			serverErrors <- httpServer.ListenAndServe()
		}
	}()

	select {
	case err := <-serverErrors:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil

	case <-ctx.Done():
		log.Infow("Received shutdown signal")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		// Websocket streams only end when the bus closes.
		app.Bus.Close()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.Errorw("Failed to shutdown gracefully", "error", err)
			return fmt.Errorf("server shutdown failed: %w", err)
		}
		server.Wait()

		log.Infow("Server shutdown complete")
	}

	return nil
}
