// Package telemetry ships logs to an OTLP collector and creates the
// instruments the server reports through.
package telemetry

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"net/url"
	"time"

	"github.com/agentuity/mcp-server/logger"
	"github.com/cockroachdb/errors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploghttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	sdklog "go.opentelemetry.io/otel/sdk/log"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.27.0"
)

// GenerateOTLPBearerToken signs token with sharedSecret the way the
// collector expects
func GenerateOTLPBearerToken(sharedSecret string, token string) (string, error) {
	hash := sha256.New()
	if _, err := hash.Write([]byte(sharedSecret + "." + token)); err != nil {
		return "", errors.Wrap(err, "error hashing token")
	}
	secret := hash.Sum(nil)
	return token + "." + base64.StdEncoding.EncodeToString(secret), nil
}

type ShutdownFunc func()

type Config struct {
	// URL is the base URL of the collector; logs go to /v1/logs
	URL         string
	ServiceName string
	// Token is sent as a bearer token. When Secret is set the token is signed with it first.
	Token  string
	Secret string
}

// New returns a logger exporting to the collector and installs a global
// tracer provider exporting spans to it. When console is not nil every log
// record is also written to it.
func New(ctx context.Context, cfg Config, console logger.Logger) (logger.Logger, ShutdownFunc, error) {
	otlpURL, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, nil, errors.Wrap(err, "error parsing otlp url")
	}
	if otlpURL.Scheme != "http" && otlpURL.Scheme != "https" {
		return nil, nil, errors.Newf("unsupported otlp url scheme %q", otlpURL.Scheme)
	}
	otlpURL.Path = "/v1/logs"

	res, err := resource.New(
		ctx,
		resource.WithFromEnv(),
		resource.WithTelemetrySDK(),
		resource.WithProcess(),
		resource.WithHost(),
		resource.WithAttributes(semconv.ServiceName(cfg.ServiceName)),
	)
	if errors.Is(err, resource.ErrPartialResource) || errors.Is(err, resource.ErrSchemaURLConflict) {
		if console != nil {
			console.Warn("partial otel resource: %s", err)
		}
	} else if err != nil {
		return nil, nil, errors.Wrap(err, "error creating resource")
	}

	headers := make(map[string]string)
	if cfg.Token != "" {
		token := cfg.Token
		if cfg.Secret != "" {
			if token, err = GenerateOTLPBearerToken(cfg.Secret, cfg.Token); err != nil {
				return nil, nil, err
			}
		}
		headers["Authorization"] = "Bearer " + token
	}
	logOpts := []otlploghttp.Option{
		otlploghttp.WithEndpointURL(otlpURL.String()),
		otlploghttp.WithHeaders(headers),
		otlploghttp.WithTimeout(time.Second * 10),
		otlploghttp.WithCompression(otlploghttp.GzipCompression),
	}
	otlpURL.Path = "/v1/traces"
	traceOpts := []otlptracehttp.Option{
		otlptracehttp.WithEndpointURL(otlpURL.String()),
		otlptracehttp.WithHeaders(headers),
		otlptracehttp.WithTimeout(time.Second * 10),
		otlptracehttp.WithCompression(otlptracehttp.GzipCompression),
	}
	if otlpURL.Scheme == "http" {
		logOpts = append(logOpts, otlploghttp.WithInsecure())
		traceOpts = append(traceOpts, otlptracehttp.WithInsecure())
	}
	logExporter, err := otlploghttp.New(ctx, logOpts...)
	if err != nil {
		return nil, nil, errors.Wrap(err, "error creating log exporter")
	}
	traceExporter, err := otlptracehttp.New(ctx, traceOpts...)
	if err != nil {
		return nil, nil, errors.Wrap(err, "error creating trace exporter")
	}

	logProvider := sdklog.NewLoggerProvider(
		sdklog.WithResource(res),
		sdklog.WithProcessor(sdklog.NewBatchProcessor(logExporter)),
	)
	traceProvider := sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(traceExporter),
	)
	otel.SetTracerProvider(traceProvider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))

	log := logger.NewOtelLogger(logProvider.Logger(cfg.ServiceName), logger.LevelTrace)
	if console != nil {
		log = console.Stack(log)
	}
	return log, func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second*10)
		defer cancel()
		if err := traceProvider.Shutdown(ctx); err != nil && console != nil {
			console.Warn("error shutting down trace provider: %s", err)
		}
		if err := logProvider.Shutdown(ctx); err != nil && console != nil {
			console.Warn("error shutting down log provider: %s", err)
		}
	}, nil
}
