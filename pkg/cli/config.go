package cli

import (
	"context"
	"io"
	"time"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/ina/pkg/adapter"
	"github.com/m-mizutani/ina/pkg/chunker"
	"github.com/m-mizutani/ina/pkg/embedding"
	"github.com/m-mizutani/ina/pkg/model"
	"github.com/m-mizutani/ina/pkg/pipeline"
	"github.com/m-mizutani/ina/pkg/policy"
	"github.com/m-mizutani/ina/pkg/repository"
	"github.com/m-mizutani/ina/pkg/repository/firestore"
	repomemory "github.com/m-mizutani/ina/pkg/repository/memory"
	"github.com/m-mizutani/ina/pkg/repository/postgres"
	"github.com/m-mizutani/ina/pkg/retrieval"
	"github.com/m-mizutani/ina/pkg/usecase/memory"
	"github.com/m-mizutani/ina/pkg/utils/logging"
	"github.com/urfave/cli/v3"
	"golang.org/x/time/rate"
)

const (
	defaultDimension           = 2000
	defaultSimilarityThreshold = 0.7
)

// config holds configuration values
type config struct {
	// Logging
	logLevel  string
	logFormat string

	// Vector store
	store             string
	postgresDSN       string
	tablePrefix       string
	firestoreProject  string
	firestoreDatabase string
	collectionPrefix  string
	storeDimension    int64

	// Embedding
	embeddingProvider  string
	embeddingDimension int64
	embeddingModel     string
	embeddingCache     int64
	embeddingRPS       float64
	openaiAPIKey       string
	openaiBaseURL      string
	azureEndpoint      string
	azureAPIVersion    string

	// Gemini, used for embedding and generation
	geminiProject  string
	geminiLocation string
	geminiModel    string

	// Memory
	chunkSize     int64
	chunkOverlap  int64
	concurrency   int64
	retryAttempts int64
	retryBackoff  time.Duration
	callTimeout   time.Duration
	overfetch     int64
	degrade       bool
	similarity    float64
	bucket        string

	// Generation
	llmProvider     string
	anthropicAPIKey string
	claudeModel     string
	agentsFile      string

	// Ingest policy
	triggers  []string
	policyDir string
}

// globalFlags returns common flags used across commands with destination config
func globalFlags(cfg *config) []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "log-level",
			Usage:       "Log level (debug, info, warn, error)",
			Value:       "info",
			Sources:     cli.EnvVars("INA_LOG_LEVEL"),
			Destination: &cfg.logLevel,
		},
		&cli.StringFlag{
			Name:        "log-format",
			Usage:       "Log format (console, json)",
			Value:       string(logging.FormatConsole),
			Sources:     cli.EnvVars("INA_LOG_FORMAT"),
			Destination: &cfg.logFormat,
		},
	}
}

// storeFlags returns flags for the vector store
func storeFlags(cfg *config) []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "store",
			Usage:       "Vector store backend (postgres, firestore, memory)",
			Value:       "postgres",
			Sources:     cli.EnvVars("INA_STORE"),
			Destination: &cfg.store,
		},
		&cli.StringFlag{
			Name:        "postgres-dsn",
			Usage:       "PostgreSQL connection string",
			Sources:     cli.EnvVars("INA_POSTGRES_DSN", "DATABASE_URL"),
			Destination: &cfg.postgresDSN,
		},
		&cli.StringFlag{
			Name:        "table-prefix",
			Usage:       "Prefix of PostgreSQL table names",
			Sources:     cli.EnvVars("INA_TABLE_PREFIX"),
			Destination: &cfg.tablePrefix,
		},
		&cli.StringFlag{
			Name:        "firestore-project",
			Usage:       "Google Cloud project ID of Firestore",
			Sources:     cli.EnvVars("INA_FIRESTORE_PROJECT", "GOOGLE_CLOUD_PROJECT"),
			Destination: &cfg.firestoreProject,
		},
		&cli.StringFlag{
			Name:        "firestore-database",
			Usage:       "Firestore database ID",
			Value:       "(default)",
			Sources:     cli.EnvVars("INA_FIRESTORE_DATABASE"),
			Destination: &cfg.firestoreDatabase,
		},
		&cli.StringFlag{
			Name:        "collection-prefix",
			Usage:       "Prefix of Firestore collection names",
			Sources:     cli.EnvVars("INA_COLLECTION_PREFIX"),
			Destination: &cfg.collectionPrefix,
		},
		&cli.IntFlag{
			Name:        "store-dimension",
			Usage:       "Embedding dimension of the vector store",
			Value:       defaultDimension,
			Sources:     cli.EnvVars("INA_STORE_DIMENSION"),
			Destination: &cfg.storeDimension,
		},
	}
}

// embeddingFlags returns flags for the embedding client
func embeddingFlags(cfg *config) []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "embedding",
			Usage:       "Embedding provider (gemini, openai, azure, hash)",
			Value:       "gemini",
			Sources:     cli.EnvVars("INA_EMBEDDING"),
			Destination: &cfg.embeddingProvider,
		},
		&cli.IntFlag{
			Name:        "embedding-dimension",
			Usage:       "Dimension of produced embeddings",
			Value:       defaultDimension,
			Sources:     cli.EnvVars("INA_EMBEDDING_DIMENSION"),
			Destination: &cfg.embeddingDimension,
		},
		&cli.StringFlag{
			Name:        "embedding-model",
			Usage:       "Embedding model, or Azure deployment name",
			Sources:     cli.EnvVars("INA_EMBEDDING_MODEL"),
			Destination: &cfg.embeddingModel,
		},
		&cli.IntFlag{
			Name:        "embedding-cache",
			Usage:       "Number of embeddings kept in cache (0 disables)",
			Value:       10000,
			Sources:     cli.EnvVars("INA_EMBEDDING_CACHE"),
			Destination: &cfg.embeddingCache,
		},
		&cli.FloatFlag{
			Name:        "embedding-rps",
			Usage:       "Maximum embedding requests per second (0 disables)",
			Sources:     cli.EnvVars("INA_EMBEDDING_RPS"),
			Destination: &cfg.embeddingRPS,
		},
		&cli.StringFlag{
			Name:        "openai-api-key",
			Usage:       "OpenAI or Azure OpenAI API key",
			Sources:     cli.EnvVars("OPENAI_API_KEY", "AZURE_OPENAI_API_KEY"),
			Destination: &cfg.openaiAPIKey,
		},
		&cli.StringFlag{
			Name:        "openai-base-url",
			Usage:       "Base URL of an OpenAI compatible endpoint",
			Sources:     cli.EnvVars("OPENAI_BASE_URL"),
			Destination: &cfg.openaiBaseURL,
		},
		&cli.StringFlag{
			Name:        "azure-endpoint",
			Usage:       "Azure OpenAI resource endpoint",
			Sources:     cli.EnvVars("AZURE_OPENAI_ENDPOINT"),
			Destination: &cfg.azureEndpoint,
		},
		&cli.StringFlag{
			Name:        "azure-api-version",
			Usage:       "Azure OpenAI API version",
			Value:       "2024-02-01",
			Sources:     cli.EnvVars("AZURE_OPENAI_API_VERSION"),
			Destination: &cfg.azureAPIVersion,
		},
		&cli.StringFlag{
			Name:        "gemini-project",
			Usage:       "Google Cloud project ID for Gemini",
			Sources:     cli.EnvVars("GEMINI_PROJECT_ID"),
			Destination: &cfg.geminiProject,
		},
		&cli.StringFlag{
			Name:        "gemini-location",
			Usage:       "Google Cloud location for Gemini",
			Value:       "us-central1",
			Sources:     cli.EnvVars("GEMINI_LOCATION"),
			Destination: &cfg.geminiLocation,
		},
	}
}

// memoryFlags returns flags for chunking, retries and the document archive
func memoryFlags(cfg *config) []cli.Flag {
	return []cli.Flag{
		&cli.IntFlag{
			Name:        "chunk-size",
			Usage:       "Maximum characters of a chunk",
			Value:       1000,
			Sources:     cli.EnvVars("INA_CHUNK_SIZE"),
			Destination: &cfg.chunkSize,
		},
		&cli.IntFlag{
			Name:        "chunk-overlap",
			Usage:       "Characters shared by consecutive chunks",
			Value:       200,
			Sources:     cli.EnvVars("INA_CHUNK_OVERLAP"),
			Destination: &cfg.chunkOverlap,
		},
		&cli.IntFlag{
			Name:        "embedding-concurrency",
			Usage:       "Parallel embedding calls per message",
			Value:       memory.DefaultConcurrency,
			Sources:     cli.EnvVars("INA_EMBEDDING_CONCURRENCY"),
			Destination: &cfg.concurrency,
		},
		&cli.IntFlag{
			Name:        "retry-attempts",
			Usage:       "Attempts of a store write before giving up",
			Value:       memory.DefaultRetryAttempts,
			Sources:     cli.EnvVars("INA_RETRY_ATTEMPTS"),
			Destination: &cfg.retryAttempts,
		},
		&cli.DurationFlag{
			Name:        "retry-backoff",
			Usage:       "Initial backoff between store write attempts",
			Value:       memory.DefaultRetryBackoff,
			Sources:     cli.EnvVars("INA_RETRY_BACKOFF"),
			Destination: &cfg.retryBackoff,
		},
		&cli.DurationFlag{
			Name:        "call-timeout",
			Usage:       "Timeout of each embedding and store call",
			Value:       memory.DefaultCallTimeout,
			Sources:     cli.EnvVars("INA_CALL_TIMEOUT"),
			Destination: &cfg.callTimeout,
		},
		&cli.IntFlag{
			Name:        "overfetch",
			Usage:       "Candidates fetched per requested chunk before dedup",
			Value:       retrieval.DefaultOverfetchFactor,
			Sources:     cli.EnvVars("INA_OVERFETCH"),
			Destination: &cfg.overfetch,
		},
		&cli.FloatFlag{
			Name:        "similarity-threshold",
			Usage:       "Minimum cosine similarity of recalled chunks (0 to disable)",
			Value:       defaultSimilarityThreshold,
			Sources:     cli.EnvVars("INA_SIMILARITY_THRESHOLD"),
			Destination: &cfg.similarity,
		},
		&cli.BoolFlag{
			Name:        "degrade-recall",
			Usage:       "Return empty context instead of failing when recall backends fail",
			Sources:     cli.EnvVars("INA_DEGRADE_RECALL"),
			Destination: &cfg.degrade,
		},
		&cli.StringFlag{
			Name:        "bucket",
			Usage:       "Cloud Storage bucket archiving uploaded documents",
			Sources:     cli.EnvVars("INA_BUCKET"),
			Destination: &cfg.bucket,
		},
	}
}

// llmFlags returns flags for LLM-related configuration with destination config
func llmFlags(cfg *config) []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "llm",
			Usage:       "Generation provider (gemini, claude)",
			Value:       "gemini",
			Sources:     cli.EnvVars("INA_LLM"),
			Destination: &cfg.llmProvider,
		},
		&cli.StringFlag{
			Name:        "gemini-model",
			Usage:       "Gemini generative model",
			Sources:     cli.EnvVars("GEMINI_MODEL"),
			Destination: &cfg.geminiModel,
		},
		&cli.StringFlag{
			Name:        "anthropic-api-key",
			Usage:       "Anthropic API key",
			Sources:     cli.EnvVars("ANTHROPIC_API_KEY"),
			Destination: &cfg.anthropicAPIKey,
		},
		&cli.StringFlag{
			Name:        "claude-model",
			Usage:       "Claude model",
			Sources:     cli.EnvVars("CLAUDE_MODEL"),
			Destination: &cfg.claudeModel,
		},
		&cli.StringFlag{
			Name:        "agents",
			Usage:       "YAML file overriding the built-in agent definitions",
			Sources:     cli.EnvVars("INA_AGENTS"),
			Destination: &cfg.agentsFile,
		},
		&cli.StringSliceFlag{
			Name:        "trigger",
			Usage:       "Names that make the bot respond when a message starts with them",
			Value:       policy.DefaultTriggers,
			Sources:     cli.EnvVars("INA_TRIGGERS"),
			Destination: &cfg.triggers,
		},
		&cli.StringFlag{
			Name:        "policy-dir",
			Usage:       "Directory of Rego files deciding respond and remember",
			Sources:     cli.EnvVars("INA_POLICY_DIR"),
			Destination: &cfg.policyDir,
		},
	}
}

func configError(msg string, opts ...goerr.Option) error {
	return goerr.New(msg, append(opts, goerr.T(model.TagConfiguration))...)
}

// withLogger builds the logger, makes it the default and attaches it to ctx
func (cfg *config) withLogger(ctx context.Context, w io.Writer) context.Context {
	logger := logging.NewWithFormat(cfg.logLevel, logging.Format(cfg.logFormat), w)
	logging.SetDefault(logger)
	return logging.With(ctx, logger)
}

// checkDimensions verifies the embedder and the store agree on dimension
func (cfg *config) checkDimensions() error {
	if cfg.embeddingDimension <= 0 {
		return configError("embedding-dimension must be positive",
			goerr.V("embedding_dimension", cfg.embeddingDimension))
	}
	if cfg.embeddingDimension != cfg.storeDimension {
		return configError("embedding-dimension and store-dimension must match",
			goerr.V("embedding_dimension", cfg.embeddingDimension),
			goerr.V("store_dimension", cfg.storeDimension))
	}
	return nil
}

// newRepository creates a new repository instance
func (cfg *config) newRepository(ctx context.Context) (repository.Repository, error) {
	dims := int(cfg.storeDimension)

	switch cfg.store {
	case "postgres":
		if cfg.postgresDSN == "" {
			return nil, configError("postgres-dsn is required")
		}
		return postgres.New(ctx, cfg.postgresDSN, dims, postgres.WithTablePrefix(cfg.tablePrefix))

	case "firestore":
		if cfg.firestoreProject == "" {
			return nil, configError("firestore-project is required")
		}
		if cfg.firestoreDatabase == "" {
			return nil, configError("firestore-database is required")
		}
		return firestore.New(ctx, cfg.firestoreProject, cfg.firestoreDatabase, dims,
			firestore.WithCollectionPrefix(cfg.collectionPrefix))

	case "memory":
		logging.From(ctx).Warn("memory store keeps data only while the process runs")
		return repomemory.New(dims)
	}

	return nil, configError("unknown store", goerr.V("store", cfg.store))
}

// newGemini creates a new Gemini adapter instance
func (cfg *config) newGemini(ctx context.Context) (*adapter.GeminiClient, error) {
	if cfg.geminiProject == "" {
		return nil, configError("gemini-project is required")
	}
	if cfg.geminiLocation == "" {
		return nil, configError("gemini-location is required")
	}

	var opts []adapter.GeminiOption
	if cfg.embeddingModel != "" && cfg.embeddingProvider == "gemini" {
		opts = append(opts, adapter.WithEmbeddingModel(cfg.embeddingModel))
	}
	if cfg.geminiModel != "" {
		opts = append(opts, adapter.WithGenerativeModel(cfg.geminiModel))
	}

	client, err := adapter.NewGemini(ctx, cfg.geminiProject, cfg.geminiLocation, opts...)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to create Gemini client", goerr.T(model.TagConfiguration))
	}
	return client, nil
}

// newEmbedder creates the embedding client with cache and rate limit
func (cfg *config) newEmbedder(ctx context.Context) (embedding.Client, error) {
	dims := int(cfg.embeddingDimension)

	var client embedding.Client
	switch cfg.embeddingProvider {
	case "gemini":
		gemini, err := cfg.newGemini(ctx)
		if err != nil {
			return nil, err
		}
		client = embedding.NewGemini(gemini, dims)

	case "openai", "azure":
		var opts []adapter.OpenAIOption
		if cfg.embeddingProvider == "azure" {
			if cfg.azureEndpoint == "" {
				return nil, configError("azure-endpoint is required")
			}
			opts = append(opts, adapter.WithAzure(cfg.azureEndpoint, cfg.azureAPIVersion))
		} else if cfg.openaiBaseURL != "" {
			opts = append(opts, adapter.WithOpenAIBaseURL(cfg.openaiBaseURL))
		}
		if cfg.embeddingModel != "" {
			opts = append(opts, adapter.WithOpenAIEmbeddingModel(cfg.embeddingModel))
		}

		openai, err := adapter.NewOpenAI(cfg.openaiAPIKey, opts...)
		if err != nil {
			return nil, goerr.Wrap(err, "failed to create OpenAI client", goerr.T(model.TagConfiguration))
		}
		client = embedding.NewOpenAI(openai, dims)

	case "hash":
		logging.From(ctx).Warn("hash embedding matches identical text only")
		client = embedding.NewHash(dims)

	default:
		return nil, configError("unknown embedding provider", goerr.V("embedding", cfg.embeddingProvider))
	}

	if cfg.embeddingRPS > 0 {
		client = embedding.WithRateLimit(client, rate.NewLimiter(rate.Limit(cfg.embeddingRPS), 1))
	}
	if cfg.embeddingCache > 0 {
		cached, err := embedding.WithCache(client, cfg.embeddingCache)
		if err != nil {
			return nil, err
		}
		client = cached
	}

	return client, nil
}

func (cfg *config) newChunker() (*chunker.Chunker, error) {
	return chunker.New(int(cfg.chunkSize), int(cfg.chunkOverlap))
}

// newStorage creates a new Storage adapter instance. It returns nil when no
// bucket is configured.
func (cfg *config) newStorage(ctx context.Context) (adapter.Storage, error) {
	if cfg.bucket == "" {
		return nil, nil
	}

	storage, err := adapter.NewStorage(ctx, cfg.bucket)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to create storage", goerr.T(model.TagConfiguration))
	}
	return storage, nil
}

// newMemory wires repository, embedder and chunker into the memory use case.
// The returned func closes the repository.
// maxDistance converts the similarity threshold into a cosine distance
// limit. A negative limit disables filtering.
func (cfg *config) maxDistance() (float64, error) {
	if cfg.similarity > 1 {
		return 0, configError("similarity threshold must not exceed 1",
			goerr.V("similarity_threshold", cfg.similarity))
	}
	if cfg.similarity <= 0 {
		return -1, nil
	}
	return 1 - cfg.similarity, nil
}

func (cfg *config) newMemory(ctx context.Context) (*memory.UseCase, func(), error) {
	maxDistance, err := cfg.maxDistance()
	if err != nil {
		return nil, nil, err
	}

	if err := cfg.checkDimensions(); err != nil {
		return nil, nil, err
	}

	embedder, err := cfg.newEmbedder(ctx)
	if err != nil {
		return nil, nil, err
	}
	c, err := cfg.newChunker()
	if err != nil {
		return nil, nil, err
	}
	storage, err := cfg.newStorage(ctx)
	if err != nil {
		return nil, nil, err
	}

	repo, err := cfg.newRepository(ctx)
	if err != nil {
		return nil, nil, err
	}
	closer := func() {
		if err := repo.Close(); err != nil {
			logging.From(ctx).Warn("failed to close repository", logging.ErrAttr(err))
		}
	}

	opts := []memory.Option{
		memory.WithConcurrency(int(cfg.concurrency)),
		memory.WithRetry(int(cfg.retryAttempts), cfg.retryBackoff),
		memory.WithCallTimeout(cfg.callTimeout),
		memory.WithRetrievalOptions(
			retrieval.WithOverfetchFactor(int(cfg.overfetch)),
			retrieval.WithDegradeOnFailure(cfg.degrade),
			retrieval.WithMaxDistance(maxDistance),
		),
	}
	if storage != nil {
		opts = append(opts, memory.WithStorage(storage))
	}

	uc, err := memory.New(repo, embedder, c, opts...)
	if err != nil {
		closer()
		return nil, nil, err
	}
	return uc, closer, nil
}

// newLLM creates the generation client of the agent pipeline
func (cfg *config) newLLM(ctx context.Context) (pipeline.LLM, error) {
	switch cfg.llmProvider {
	case "gemini":
		gemini, err := cfg.newGemini(ctx)
		if err != nil {
			return nil, err
		}
		return pipeline.NewGeminiLLM(gemini), nil

	case "claude":
		if cfg.anthropicAPIKey == "" {
			return nil, configError("anthropic-api-key is required")
		}
		var opts []adapter.ClaudeOption
		if cfg.claudeModel != "" {
			opts = append(opts, adapter.WithClaudeModel(cfg.claudeModel))
		}
		return adapter.NewClaude(cfg.anthropicAPIKey, opts...), nil
	}

	return nil, configError("unknown llm provider", goerr.V("llm", cfg.llmProvider))
}

func (cfg *config) newPipeline(ctx context.Context, mem pipeline.Memory) (*pipeline.Pipeline, error) {
	llm, err := cfg.newLLM(ctx)
	if err != nil {
		return nil, err
	}

	var opts []pipeline.Option
	if cfg.agentsFile != "" {
		agents, err := pipeline.LoadAgentsFile(cfg.agentsFile)
		if err != nil {
			return nil, err
		}
		opts = append(opts, pipeline.WithAgents(agents))
	}

	return pipeline.New(llm, mem, opts...), nil
}

func (cfg *config) newPolicy(ctx context.Context) (*policy.Engine, error) {
	var opts []policy.Option
	if cfg.policyDir != "" {
		opts = append(opts, policy.WithPolicyDir(cfg.policyDir))
	}
	return policy.New(ctx, cfg.triggers, opts...)
}
