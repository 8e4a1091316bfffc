package main

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"image"
	"io"
	"log"
	"log/slog"
	"net"
	"net/http"
	"net/http/pprof"
	"os"
	"os/signal"
	"runtime"
	"strconv"
	"strings"
	"syscall"
	"time"

	"pixelmatch/internal/decode"
	diffimage "pixelmatch/internal/diff/image"
	"pixelmatch/internal/env"
	"pixelmatch/internal/myhttp"
	"pixelmatch/internal/pixelmatch"
	"pixelmatch/internal/storage"

	otelpyroscope "github.com/grafana/otel-profiling-go"
	"github.com/grafana/pyroscope-go"
	pyroscopepprof "github.com/grafana/pyroscope-go/http/pprof"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	otelprometheus "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	sdkresource "go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"golang.org/x/net/netutil"
	"golang.org/x/sync/errgroup"
	"golang.org/x/xerrors"
)

type Server struct {
	address                string
	terminationGracePeriod time.Duration
	lameduck               time.Duration
	keepAlive              bool
	maxConnections         int
	maxUploadBytes         int64
	maxPixels              int64
	allowRemoteImages      bool

	compareDurationMicroSeconds metric.Int64Histogram
	differentPixels             metric.Int64Histogram
}

func NewServer() *Server {
	meter := noop.NewMeterProvider().Meter("diff-server")
	compareDurationMicroSeconds, _ := meter.Int64Histogram("pixelmatch_compare_duration_micro_seconds")
	differentPixels, _ := meter.Int64Histogram("pixelmatch_different_pixels")

	return &Server{
		address:                env.OrDefault("ADDRESS", "0.0.0.0:8383"),
		terminationGracePeriod: env.OrDefault("TERMINATION_GRACE_PERIOD", 10*time.Second),
		lameduck:               env.OrDefault("LAMEDUCK", 1*time.Second),
		keepAlive:              env.OrDefault("HTTP_KEEPALIVE", true),
		maxConnections:         env.OrDefault("MAX_CONNECTIONS", 65532),
		maxUploadBytes:         env.OrDefault("MAX_UPLOAD_BYTES", int64(64<<20)),
		maxPixels:              env.OrDefault("MAX_PIXELS", int64(64<<20)),
		allowRemoteImages:      env.OrDefault("ALLOW_REMOTE_IMAGES", false),

		compareDurationMicroSeconds: compareDurationMicroSeconds,
		differentPixels:             differentPixels,
	}
}

var Debug = false

func newLogger() (*slog.Logger, error) {
	logLevel := slog.LevelInfo
	if v, ok := os.LookupEnv("GO_LOG"); ok {
		if err := logLevel.UnmarshalText([]byte(v)); err != nil {
			return nil, xerrors.Errorf("failed to parse log level: %w", err)
		}
	}
	handlerOpts := &slog.HandlerOptions{
		Level: logLevel,
		// https://opentelemetry.io/docs/specs/otel/logs/data-model/
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			switch a.Key {
			case slog.LevelKey:
				a.Key = "severitytext"
			case slog.MessageKey:
				a.Key = "body"
			}
			return a
		},
	}
	if Debug {
		return slog.New(slog.NewTextHandler(os.Stderr, handlerOpts)), nil
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, handlerOpts)), nil
}

func (s *Server) Start(ctx context.Context) error {
	runtime.SetMutexProfileFraction(1)
	runtime.SetBlockProfileRate(1)

	profiler, err := pyroscope.Start(pyroscope.Config{
		ApplicationName: "diff-server",
		ServerAddress:   os.Getenv("PYROSCOPE_ENDPOINT"),
		UploadRate:      60 * time.Second,
		ProfileTypes: []pyroscope.ProfileType{
			pyroscope.ProfileCPU,
			pyroscope.ProfileAllocObjects,
			pyroscope.ProfileAllocSpace,
			pyroscope.ProfileInuseObjects,
			pyroscope.ProfileInuseSpace,
			pyroscope.ProfileGoroutines,
			pyroscope.ProfileMutexCount,
			pyroscope.ProfileMutexDuration,
			pyroscope.ProfileBlockCount,
			pyroscope.ProfileBlockDuration,
		},
	})
	if err != nil {
		return xerrors.Errorf("failed to create profiler: %w", err)
	}

	otel.SetTextMapPropagator(propagation.TraceContext{})

	r, err := sdkresource.Merge(
		sdkresource.Default(),
		sdkresource.NewWithAttributes(semconv.SchemaURL),
	)
	if err != nil {
		return xerrors.Errorf("failed to create resource: %w", err)
	}
	traceExporter, err := otlptracegrpc.New(ctx)
	if err != nil {
		return xerrors.Errorf("failed to create trace exporter: %w", err)
	}
	traceProvider := sdktrace.NewTracerProvider(
		sdktrace.WithResource(r),
		sdktrace.WithBatcher(traceExporter),
	)
	otel.SetTracerProvider(otelpyroscope.NewTracerProvider(traceProvider))

	exporter, err := otelprometheus.New()
	if err != nil {
		return xerrors.Errorf("failed to create exporter: %w", err)
	}
	// NOTE: Gauge(UpDownCounter), Summary or Untyped does not support exemplars
	// https://github.com/prometheus/client_golang/blob/v1.20.4/prometheus/metric.go#L200
	meter := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter)).Meter("diff-server")
	httpRequestsDurationMicroSeconds, err := meter.Int64Histogram("http_requests_duration_micro_seconds")
	if err != nil {
		return xerrors.Errorf("failed to create histogram: %w", err)
	}
	if s.compareDurationMicroSeconds, err = meter.Int64Histogram("pixelmatch_compare_duration_micro_seconds"); err != nil {
		return xerrors.Errorf("failed to create histogram: %w", err)
	}
	if s.differentPixels, err = meter.Int64Histogram("pixelmatch_different_pixels"); err != nil {
		return xerrors.Errorf("failed to create histogram: %w", err)
	}

	logger, err := newLogger()
	if err != nil {
		return err
	}
	slog.SetDefault(logger)

	mux := myhttp.NewServerMux(logger, httpRequestsDurationMicroSeconds)

	mux.HandleFuncWithMiddleware("POST /diff", s.handleDiff)

	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(http.StatusText(http.StatusOK)))
	})

	mux.Handle("GET /metrics", promhttp.InstrumentMetricHandler(
		prometheus.DefaultRegisterer, promhttp.HandlerFor(prometheus.DefaultGatherer, promhttp.HandlerOpts{
			EnableOpenMetrics: true,
		}),
	))

	if Debug {
		mux.HandleFunc("GET /debug/pprof/", pprof.Index)
		mux.HandleFunc("GET /debug/pprof/cmdline", pprof.Cmdline)
		mux.HandleFunc("GET /debug/pprof/symbol", pprof.Symbol)
		mux.HandleFunc("GET /debug/pprof/trace", pprof.Trace)
		mux.HandleFunc("GET /debug/pprof/profile", pyroscopepprof.Profile)
	}

	listener, err := net.Listen("tcp", s.address)
	if err != nil {
		return xerrors.Errorf("failed to listen on address %s: %w", s.address, err)
	}

	server := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	server.SetKeepAlivesEnabled(s.keepAlive)

	go func() {
		if err := server.Serve(netutil.LimitListener(listener, s.maxConnections)); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("failed to serve HTTP", "error", err)
		}
	}()
	logger.Info("listening", "address", listener.Addr().String())

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGTERM)
	<-quit
	time.Sleep(s.lameduck)

	ctx, cancel := context.WithTimeout(ctx, s.terminationGracePeriod)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		return xerrors.Errorf("failed to shutdown server: %w", err)
	}

	if err := traceProvider.Shutdown(ctx); err != nil {
		return xerrors.Errorf("failed to shutdown trace provider: %w", err)
	}

	if err := profiler.Stop(); err != nil {
		return xerrors.Errorf("failed to shutdown profiler: %w", err)
	}

	return nil
}

type DiffResponse struct {
	DiffData   string  `json:"diffData"`
	DiffAmount float64 `json:"diffAmount"`
	DiffCount  int     `json:"diffCount"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}

func writeError(w http.ResponseWriter, status int, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(ErrorResponse{Error: err.Error()})
}

func (s *Server) handleDiff(w http.ResponseWriter, r *http.Request) {
	logger := myhttp.Logger(r.Context())

	r.Body = http.MaxBytesReader(w, r.Body, s.maxUploadBytes)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		writeError(w, http.StatusBadRequest, xerrors.Errorf("failed to parse form: %w", err))
		return
	}

	format := r.FormValue("format")
	if format == "" {
		format = "pixel"
	}
	threshold := pixelmatch.DefaultThreshold
	if v := r.FormValue("threshold"); v != "" {
		parsed, err := strconv.ParseFloat(v, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, xerrors.Errorf("invalid threshold: %w", err))
			return
		}
		threshold = parsed
	}
	includeAntiAliased := false
	if v := r.FormValue("includeAA"); v != "" {
		parsed, err := strconv.ParseBool(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, xerrors.Errorf("invalid includeAA: %w", err))
			return
		}
		includeAntiAliased = parsed
	}

	differ, err := diffimage.NewDiffer(format, threshold, includeAntiAliased)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	images := make([]image.Image, 2)
	eg, ctx := errgroup.WithContext(r.Context())
	for i, field := range []string{"baseline", "target"} {
		eg.Go(func() error {
			data, err := s.readImage(ctx, r, field)
			if err != nil {
				return err
			}
			img, _, err := decode.DecodeLimited(data, s.maxPixels)
			if err != nil {
				return xerrors.Errorf("invalid %s: %w", field, err)
			}
			images[i] = img
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		if errors.Is(err, decode.ErrTooManyPixels) {
			writeError(w, http.StatusRequestEntityTooLarge, err)
			return
		}
		writeError(w, http.StatusBadRequest, err)
		return
	}

	now := time.Now()
	diffResult, err := differ.Calculate(r.Context(), images[0], images[1])
	if err != nil {
		switch {
		case errors.Is(err, pixelmatch.ErrSizeMismatch):
			writeError(w, http.StatusUnprocessableEntity, err)
		case errors.Is(err, context.Canceled):
			logger.Debug("comparison canceled", "error", err)
		default:
			logger.Error("failed to compare images", "error", err)
			writeError(w, http.StatusInternalServerError, err)
		}
		return
	}
	attributes := metric.WithAttributes(attribute.Key("format").String(format))
	s.compareDurationMicroSeconds.Record(r.Context(), time.Since(now).Microseconds(), attributes)
	s.differentPixels.Record(r.Context(), int64(diffResult.DiffCount), attributes)

	var buffer bytes.Buffer
	if err := decode.EncodePNG(&buffer, diffResult.Image); err != nil {
		logger.Error("failed to encode diff image", "error", err)
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(DiffResponse{
		DiffData:   base64.StdEncoding.EncodeToString(buffer.Bytes()),
		DiffAmount: diffResult.DiffAmount,
		DiffCount:  diffResult.DiffCount,
	}); err != nil {
		logger.Error("failed to encode response", "error", err)
	}
}

// readImage returns the uploaded file of the form field, or the image behind
// the <field>URL value when remote images are allowed.
func (s *Server) readImage(ctx context.Context, r *http.Request, field string) ([]byte, error) {
	file, _, err := r.FormFile(field)
	if err == nil {
		defer file.Close()
		data, err := io.ReadAll(file)
		if err != nil {
			return nil, xerrors.Errorf("failed to read %s: %w", field, err)
		}
		return data, nil
	}
	if !errors.Is(err, http.ErrMissingFile) {
		return nil, xerrors.Errorf("failed to read %s: %w", field, err)
	}

	url := r.FormValue(field + "URL")
	if url == "" || !s.allowRemoteImages {
		return nil, xerrors.Errorf("%s is required", field)
	}
	if !strings.HasPrefix(url, "http://") && !strings.HasPrefix(url, "https://") && !strings.HasPrefix(url, "s3://") {
		return nil, xerrors.Errorf("unsupported %sURL: %s", field, url)
	}

	data, err := storage.Fetch(ctx, url)
	if err != nil {
		return nil, xerrors.Errorf("failed to fetch %s: %w", field, err)
	}
	return data, nil
}

func main() {
	if err := env.Load(); err != nil {
		log.Fatalf("Failed to load environment: %v", err)
	}

	ctx := context.Background()

	server := NewServer()
	if err := server.Start(ctx); err != nil {
		log.Fatalf("Server failed: %v", err)
	}
}
