package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-lambda-go/lambda"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	awsdynamodb "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	awsssm "github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/spf13/afero"

	"billsplit-agent/handler"
	"billsplit-agent/internal/config"
	"billsplit-agent/internal/domain"
	"billsplit-agent/internal/integrations/messaging"
	"billsplit-agent/internal/integrations/openai"
	"billsplit-agent/internal/integrations/paramstore"
	"billsplit-agent/internal/integrations/upi"
	"billsplit-agent/internal/lock"
	"billsplit-agent/internal/recovery"
	"billsplit-agent/internal/repository"
	"billsplit-agent/internal/splitter"
	"billsplit-agent/internal/sqlstore"
	"billsplit-agent/internal/steps"
	"billsplit-agent/internal/usecase"
	"billsplit-agent/internal/workflow"
)

// stateBackend is what both persistence backends provide.
type stateBackend interface {
	usecase.StateStore
	usecase.PayerLookup
	steps.ContactDirectory
	steps.PayerIndex
}

func main() {
	ctx := context.Background()
	logger := slog.Default()

	// ---- Configuration (read only here) ----
	paramPrefix := mustEnv("PARAM_PREFIX")
	messagingURL := mustEnv("MESSAGING_BASE_URL")
	backend := envString("STATE_BACKEND", "dynamodb")
	lockMode := envString("LOCK_MODE", "lease")
	policyFile := os.Getenv("POLICY_FILE")
	openaiURL := os.Getenv("OPENAI_BASE_URL")
	httpTimeout := envDuration("HTTP_TIMEOUT", 20*time.Second)

	// ---- AWS SDK config ----
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		fail("failed to load AWS config", err)
	}

	ssmClient, err := paramstore.New(awsssm.NewFromConfig(awsCfg))
	if err != nil {
		fail("failed to create SSM client", err)
	}

	// ---- Policy ----
	policy, err := config.Load(ctx, config.Source{
		FS:        afero.NewOsFs(),
		File:      policyFile,
		Params:    ssmClient,
		ParamName: paramPrefix + "/config/policy",
	})
	if err != nil {
		fail("failed to load policy", err)
	}
	if v := envInt("MAX_RETRY_COUNT", 0); v > 0 {
		policy.MaxRetryCount = v
	}

	// ---- State backend and locks ----
	var store stateBackend
	var dynamo *repository.Client
	switch backend {
	case "dynamodb":
		dynamo, err = repository.New(awsdynamodb.NewFromConfig(awsCfg), mustEnv("STATE_TABLE"))
		if err != nil {
			fail("failed to create state client", err)
		}
		store = dynamo
	case "sql":
		sqlStore, err := sqlstore.Open(mustEnv("STATE_DSN"))
		if err != nil {
			fail("failed to open sql store", err)
		}
		if err := sqlStore.CreateSchema(ctx); err != nil {
			fail("failed to create sql schema", err)
		}
		store = sqlStore
	default:
		fail("unknown state backend", nil, "backend", backend)
	}

	var locks usecase.Locker
	switch {
	case lockMode == "lease" && dynamo != nil:
		locks = repository.NewLeases(dynamo, policy.Lock.Lease, policy.Lock.Poll, repository.WithLeaseLogger(logger))
	case lockMode == "lease" || lockMode == "local":
		if lockMode == "lease" {
			logger.Warn("lease locks need the dynamodb backend; using in-process locks", "backend", backend)
		}
		locks = lock.NewKeyed()
	default:
		fail("unknown lock mode", nil, "mode", lockMode)
	}

	// ---- Collaborators ----
	retries := recovery.NewPolicy(policy.Recovery(), recovery.WithLogger(logger))

	formats := make([]steps.PhoneFormat, 0, len(policy.Phone.Formats))
	for _, f := range policy.Phone.Formats {
		formats = append(formats, steps.PhoneFormat{Name: f.Name, Pattern: f.Pattern})
	}
	phones, err := steps.NewPhoneValidator(policy.Phone.CountryCode, formats)
	if err != nil {
		fail("failed to build phone validator", err)
	}

	openaiOpts := []openai.Option{openai.WithHTTPClient(&http.Client{Timeout: httpTimeout})}
	if openaiURL != "" {
		openaiOpts = append(openaiOpts, openai.WithBaseURL(openaiURL))
	}
	openaiClient, err := openai.NewClient(ssmClient, paramPrefix, openaiOpts...)
	if err != nil {
		fail("failed to create OpenAI client", err)
	}
	llm, err := openai.NewService(openaiClient, ssmClient, paramPrefix, policy.Currency)
	if err != nil {
		fail("failed to create OpenAI service", err)
	}

	delivery, err := messaging.NewClient(messagingURL, ssmClient, paramPrefix, messaging.WithHTTPClient(&http.Client{Timeout: httpTimeout}))
	if err != nil {
		fail("failed to create messaging client", err)
	}

	stepsCfg, err := stepsConfig(policy)
	if err != nil {
		fail("invalid policy", err)
	}

	handlers, err := steps.NewHandlers(steps.Deps{
		Extractors: llm.Extractors(),
		Intents:    llm,
		Contacts:   store,
		References: upi.New(policy.Payee.Name, policy.Currency),
		Delivery:   delivery,
		Payers:     store,
		Phones:     phones,
		Policy:     retries,
		Logger:     logger,
		Config:     stepsCfg,
	})
	if err != nil {
		fail("failed to build step handlers", err)
	}

	machine, err := workflow.NewMachine(workflow.DefaultTable(), handlers, retries, workflow.WithLogger(logger))
	if err != nil {
		fail("failed to build state machine", err)
	}

	// ---- Handler ----
	conversations, err := usecase.NewConversationService(store, locks, machine, usecase.Config{
		TTL:             policy.ConversationTTL,
		UnitDeadline:    policy.UnitDeadline,
		ConflictRetries: policy.VersionConflictRetries,
	}, usecase.WithLogger(logger), usecase.WithPayers(store, phones))
	if err != nil {
		fail("failed to create conversation service", err)
	}

	h, err := handler.NewHandler(conversations, delivery,
		handler.WithLogger(logger),
		handler.WithReplyChannel(domain.Channel(policy.Delivery.Primary)))
	if err != nil {
		fail("failed to create handler", err)
	}

	lambda.Start(h.Handle)
}

func stepsConfig(p config.Policy) (steps.Config, error) {
	tolerance, err := p.Tolerance()
	if err != nil {
		return steps.Config{}, err
	}
	remainder, err := splitter.ParseRemainderPolicy(p.Split.Remainder)
	if err != nil {
		return steps.Config{}, err
	}
	return steps.Config{
		PayeeID:         p.Payee.VPA,
		Currency:        p.Currency,
		SplitTolerance:  tolerance,
		Remainder:       remainder,
		PrimaryChannel:  domain.Channel(p.Delivery.Primary),
		FallbackChannel: domain.Channel(p.Delivery.Fallback),
		IntentThreshold: p.IntentThreshold,
	}, nil
}

func fail(msg string, err error, attrs ...any) {
	if err != nil {
		attrs = append(attrs, "err", err)
	}
	slog.Error(msg, attrs...)
	os.Exit(1)
}

func mustEnv(key string) string {
	v := os.Getenv(key)
	if v == "" {
		slog.Error("required environment variable is not set", "key", key)
		os.Exit(1)
	}
	return v
}

func envString(key, def string) string {
	v := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	if v == "" {
		return def
	}
	return v
}

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func envDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}
