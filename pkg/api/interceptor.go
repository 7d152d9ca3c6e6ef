package api

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/status"

	"github.com/cuemby/overwatch/pkg/metrics"
)

type statusRecorder struct {
	http.ResponseWriter
	code int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.code = code
	r.ResponseWriter.WriteHeader(code)
}

// instrument records request counts and latency by route pattern
func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(rec, r)

		path := r.Pattern
		if path == "" {
			path = "unmatched"
		}
		elapsed := time.Since(start)
		metrics.APIRequestsTotal.WithLabelValues(path, strconv.Itoa(rec.code)).Inc()
		metrics.APIRequestDuration.WithLabelValues(path).Observe(elapsed.Seconds())
		s.logger.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", rec.code).
			Dur("elapsed", elapsed).
			Msg("HTTP request")
	})
}

// unaryInterceptor records gRPC calls the same way as HTTP requests
func (s *Server) unaryInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		s.observe(info.FullMethod, start, err)
		return resp, err
	}
}

// streamInterceptor records Watch streams once they end
func (s *Server) streamInterceptor() grpc.StreamServerInterceptor {
	return func(srv interface{}, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		start := time.Now()
		err := handler(srv, ss)
		s.observe(info.FullMethod, start, err)
		return err
	}
}

func (s *Server) observe(method string, start time.Time, err error) {
	code := status.Code(err)
	elapsed := time.Since(start)
	metrics.APIRequestsTotal.WithLabelValues(method, code.String()).Inc()
	metrics.APIRequestDuration.WithLabelValues(method).Observe(elapsed.Seconds())
	s.logger.Debug().
		Str("method", method).
		Str("code", code.String()).
		Dur("elapsed", elapsed).
		Msg("gRPC call")
}
