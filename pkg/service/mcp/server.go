// Package mcp exposes remember, recall and forget as MCP tools so that an
// agent runtime can use the memory over stdio or streamable HTTP.
package mcp

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/ina/pkg/model"
	"github.com/m-mizutani/ina/pkg/usecase/memory"
	"github.com/m-mizutani/ina/pkg/utils/logging"
	"github.com/modelcontextprotocol/go-sdk/mcp"
)

const (
	serverName    = "ina"
	serverVersion = "0.1.0"
)

// Memory is the part of the memory use case served as tools
type Memory interface {
	Remember(ctx context.Context, input memory.RememberInput) (*model.Message, error)
	Append(ctx context.Context, messageID model.MessageID, text string) error
	Recall(ctx context.Context, input memory.RecallInput) (*memory.Context, error)
	Forget(ctx context.Context, id model.MessageID) error
}

type Server struct {
	memory Memory
	server *mcp.Server

	defaultK        int
	defaultMaxChars int
	now             func() time.Time
}

type Option func(*Server)

// WithRecallDefaults sets k and max_context_chars used when a recall call
// leaves them out
func WithRecallDefaults(k, maxChars int) Option {
	return func(s *Server) {
		s.defaultK = k
		s.defaultMaxChars = maxChars
	}
}

func NewServer(mem Memory, opts ...Option) *Server {
	s := &Server{
		memory:          mem,
		defaultK:        5,
		defaultMaxChars: 4000,
		now:             time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}

	s.server = mcp.NewServer(&mcp.Implementation{
		Name:    serverName,
		Version: serverVersion,
	}, nil)
	s.registerTools()

	return s
}

// Run serves over stdio until ctx is canceled or the client disconnects
func (s *Server) Run(ctx context.Context) error {
	if err := s.server.Run(ctx, &mcp.StdioTransport{}); err != nil {
		return goerr.Wrap(err, "failed to run MCP server on stdio")
	}
	return nil
}

// Handler returns the streamable HTTP handler of the server
func (s *Server) Handler() http.Handler {
	return mcp.NewStreamableHTTPHandler(func(_ *http.Request) *mcp.Server {
		return s.server
	}, nil)
}

// RunHTTP serves streamable HTTP on addr until ctx is canceled
func (s *Server) RunHTTP(ctx context.Context, addr string) error {
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logging.From(ctx).Warn("failed to shut down MCP HTTP server", logging.ErrAttr(err))
		}
	}()

	logging.From(ctx).Info("MCP server listening", "addr", addr)
	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return goerr.Wrap(err, "failed to serve MCP over HTTP", goerr.V("addr", addr))
	}
	return nil
}
