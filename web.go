package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/julienschmidt/httprouter"
	"github.com/skip2/go-qrcode"
	"go.uber.org/zap"
)

const (
	logDate string        = `2006-01-02T15:04:05.000-07:00`
	timeout time.Duration = 10 * time.Second
)

func securityHeaders(cfg *Config, w http.ResponseWriter) {
	w.Header().Set("Cross-Origin-Embedder-Policy", "require-corp")
	w.Header().Set("Cross-Origin-Opener-Policy", "same-origin")
	w.Header().Set("Cross-Origin-Resource-Policy", "same-site")
	w.Header().Set("Permissions-Policy", "geolocation=(), midi=(), sync-xhr=(), microphone=(), camera=(), magnetometer=(), gyroscope=(), fullscreen=(), payment=()")
	w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.Header().Set("Content-Security-Policy", "default-src 'self'")

	if cfg.scheme() == "https" {
		w.Header().Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains; preload")
	}
}

func realIP(r *http.Request) string {
	host, port, _ := net.SplitHostPort(r.RemoteAddr)
	if ip := r.Header.Get("CF-Connecting-IP"); ip != "" {
		if net.ParseIP(ip) != nil {
			host = ip
		}
	} else if ip := r.Header.Get("X-Real-IP"); ip != "" {
		if net.ParseIP(ip) != nil {
			host = ip
		}
	}
	if net.ParseIP(host) != nil && strings.Contains(host, ":") {
		host = "[" + host + "]"
	}
	if port != "" {
		return host + ":" + port
	}
	return host
}

func writeJSON(cfg *Config, w http.ResponseWriter, status int, v any) error {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	securityHeaders(cfg, w)
	w.WriteHeader(status)

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func serveVersion(cfg *Config, logger *zap.Logger) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
		startTime := time.Now()

		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		securityHeaders(cfg, w)
		w.WriteHeader(http.StatusOK)

		written, err := w.Write([]byte("talebox v" + releaseVersion + "\n"))
		if err != nil {
			logger.Debug("writing response", zap.Error(err))
			return
		}

		logger.Debug("served version",
			zap.Int("bytes", written),
			zap.String("remote", realIP(r)),
			zap.Duration("elapsed", time.Since(startTime).Round(time.Microsecond)))
	}
}

func serveStatus(cfg *Config, srv *MultiplayerServer, logger *zap.Logger) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		detail := r.URL.Query().Get("detail") != ""

		if err := writeJSON(cfg, w, http.StatusOK, srv.Status(detail)); err != nil {
			logger.Debug("writing response", zap.Error(err))
		}
	}
}

func serveStories(cfg *Config, library *Library, logger *zap.Logger) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		if err := writeJSON(cfg, w, http.StatusOK, library.List()); err != nil {
			logger.Debug("writing response", zap.Error(err))
		}
	}
}

func serveSession(cfg *Config, srv *MultiplayerServer, logger *zap.Logger) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		sess, ok := srv.Session(ps.ByName("sessionid"))
		if !ok {
			http.Error(w, "unknown session", http.StatusNotFound)
			return
		}

		if err := writeJSON(cfg, w, http.StatusOK, sess.Snapshot()); err != nil {
			logger.Debug("writing response", zap.Error(err))
		}
	}
}

// joinURL is the address a player opens to join sessionID.
func joinURL(cfg *Config, r *http.Request, sessionID string) string {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
		scheme = proto
	}

	u := url.URL{
		Scheme:   scheme,
		Host:     r.Host,
		Path:     cfg.prefix + "/",
		RawQuery: url.Values{"session": []string{sessionID}}.Encode(),
	}
	return u.String()
}

// serveQR renders a PNG QR code pointing at the session's join URL.
func serveQR(cfg *Config, srv *MultiplayerServer, logger *zap.Logger) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		sessionID := ps.ByName("sessionid")
		if _, ok := srv.Session(sessionID); !ok {
			http.Error(w, "unknown session", http.StatusNotFound)
			return
		}

		const qrSize = 320
		png, err := qrcode.Encode(joinURL(cfg, r, sessionID), qrcode.Medium, qrSize)
		if err != nil {
			logger.Warn("qr generation failed", zap.String("session", sessionID), zap.Error(err))
			http.Error(w, "qr generation failed", http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "image/png")
		w.Header().Set("Content-Length", strconv.Itoa(len(png)))
		securityHeaders(cfg, w)
		_, _ = w.Write(png)
	}
}

func newRouter(cfg *Config, srv *MultiplayerServer, library *Library, logger *zap.Logger) *httprouter.Router {
	mux := httprouter.New()

	mux.PanicHandler = func(w http.ResponseWriter, r *http.Request, i any) {
		logger.Error("http handler panic", zap.String("path", r.URL.Path), zap.Any("panic", i))

		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		securityHeaders(cfg, w)
		w.WriteHeader(http.StatusInternalServerError)

		io.WriteString(w, newPage("Server Error", "An error has occurred. Please try again."))
	}

	mux.GET(cfg.prefix+"/", serveHomePage(cfg))

	mux.GET(cfg.prefix+"/healthz", serveHealthCheck(cfg, logger))

	mux.GET(cfg.prefix+"/robots.txt", serveRobots(cfg, logger))

	mux.GET(cfg.prefix+"/version", serveVersion(cfg, logger))

	mux.GET(cfg.prefix+"/status", serveStatus(cfg, srv, logger))

	mux.GET(cfg.prefix+"/stories", serveStories(cfg, library, logger))

	mux.GET(cfg.prefix+"/sessions/:sessionid", serveSession(cfg, srv, logger))

	mux.GET(cfg.prefix+"/sessions/:sessionid/qr", serveQR(cfg, srv, logger))

	mux.GET(cfg.prefix+"/ws", serveWS(srv, logger))

	if cfg.profile {
		registerProfileHandlers(cfg, mux)
	}

	return mux
}

func ServePage(ctx context.Context, cfg *Config, args []string) error {
	var err error

	timeZone := os.Getenv("TZ")
	if timeZone != "" {
		time.Local, err = time.LoadLocation(timeZone)
		if err != nil {
			return err
		}
	}

	logger, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("starting talebox", zap.String("version", releaseVersion))

	cfg.prefix = strings.TrimSuffix(cfg.prefix, "/")

	library := newLibrary(cfg.stories, logger)
	if err := library.Load(); err != nil {
		return err
	}
	if cfg.watchStories {
		if err := library.Watch(ctx); err != nil {
			logger.Warn("not watching story directory", zap.Error(err))
		}
	}

	srv := newMultiplayerServer(serverOptions{
		Settings:        cfg.sessionSettings(),
		CleanupInterval: cfg.cleanupInterval,
		Stories:         library,
		Logger:          logger,
	})
	srv.Run(ctx)
	defer srv.Stop()

	httpServer := &http.Server{
		Addr:              net.JoinHostPort(cfg.bind, strconv.Itoa(cfg.port)),
		Handler:           newRouter(cfg, srv, library, logger),
		IdleTimeout:       10 * time.Minute,
		ReadTimeout:       timeout,
		ReadHeaderTimeout: timeout,
		WriteTimeout:      timeout,
		ErrorLog:          zap.NewStdLog(logger),
	}

	go func() {
		var err error
		logger.Info("listening", zap.String("url", cfg.scheme()+"://"+httpServer.Addr+cfg.prefix+"/"))
		if cfg.tlsKey != "" && cfg.tlsCert != "" {
			err = httpServer.ListenAndServeTLS(cfg.tlsCert, cfg.tlsKey)
		} else {
			err = httpServer.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server failed", zap.Error(err))
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = httpServer.Shutdown(shutdownCtx)

	return nil
}
