// Package app wires the control plane's shared dependencies (config,
// logging, the store pool, MQ, CG, and CA clients) once per process, so
// every cmd/controlplane subcommand builds on the same bootstrap instead
// of duplicating client construction.
package app

import (
	"context"
	"fmt"

	awsconfigv2 "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	awssession "github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/autoscaling"
	"github.com/aws/aws-sdk-go/service/ec2"
	"github.com/go-logr/logr"
	ctrl "sigs.k8s.io/controller-runtime"
	"k8s.io/client-go/kubernetes"

	"github.com/wdvr/gpu-devpod-controlplane/internal/cloudadapter"
	"github.com/wdvr/gpu-devpod-controlplane/internal/clustergw"
	"github.com/wdvr/gpu-devpod-controlplane/internal/config"
	"github.com/wdvr/gpu-devpod-controlplane/internal/logging"
	"github.com/wdvr/gpu-devpod-controlplane/internal/metrics"
	"github.com/wdvr/gpu-devpod-controlplane/internal/platform"
	"github.com/wdvr/gpu-devpod-controlplane/internal/podspec"
	"github.com/wdvr/gpu-devpod-controlplane/internal/queue"
	"github.com/wdvr/gpu-devpod-controlplane/internal/sshkeys"
	"github.com/wdvr/gpu-devpod-controlplane/internal/store"
)

// App holds every dependency a subcommand might need. Subcommands that
// don't touch a given client (e.g. serve-health never touches CA) simply
// leave it unused.
type App struct {
	Cfg   *config.Config
	Log   logr.Logger
	Pool  *store.Pool
	CG    clustergw.Gateway
	CA    cloudadapter.Adapter
	Keys  *sshkeys.Fetcher
	Metrics *metrics.Registry

	ReserveQueue queue.Queue
	DiskQueue    queue.Queue
}

// Bootstrap loads configuration, constructs the root logger, applies
// embedded migrations, and builds every client. skipMigrations lets the
// serve-health subcommand (which may run before RP's replica has
// migrated) start up without racing a migration it doesn't need to run.
func Bootstrap(ctx context.Context, skipMigrations bool) (*App, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("loading configuration: %w", err)
	}

	log := logging.New(cfg.LogDevMode, cfg.LogLevel)

	if !skipMigrations {
		if err := platform.RunMigrations(cfg.DatabaseURL); err != nil {
			return nil, fmt.Errorf("applying migrations: %w", err)
		}
	}

	pool, err := store.NewPool(ctx, cfg.DatabaseURL, store.Options{
		MinConns:       cfg.DBPoolMin,
		MaxConns:       cfg.DBPoolMax,
		HealthCheck:    cfg.DBPoolHealthCheck,
		AcquireTimeout: cfg.DBPoolAcquireTimeout,
	}, log)
	if err != nil {
		return nil, fmt.Errorf("connecting to database: %w", err)
	}

	cg, err := newClusterGateway(cfg, log)
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("building cluster gateway: %w", err)
	}

	ca, err := newCloudAdapter(cfg, log)
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("building cloud adapter: %w", err)
	}

	reserveQ, diskQ, err := newQueues(ctx, cfg, log)
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("building queue clients: %w", err)
	}

	return &App{
		Cfg:          cfg,
		Log:          log,
		Pool:         pool,
		CG:           cg,
		CA:           ca,
		Keys:         sshkeys.NewFetcher(cfg.SSHKeyServerURL),
		Metrics:      metrics.New(),
		ReserveQueue: reserveQ,
		DiskQueue:    diskQ,
	}, nil
}

// Close releases the store pool. Queue and cluster/cloud clients hold no
// process-owned resources worth closing explicitly.
func (a *App) Close() { a.Pool.Close() }

func newClusterGateway(cfg *config.Config, log logr.Logger) (clustergw.Gateway, error) {
	restConfig := ctrl.GetConfigOrDie()
	clientset, err := kubernetes.NewForConfig(restConfig)
	if err != nil {
		return nil, fmt.Errorf("building kubernetes clientset: %w", err)
	}
	return clustergw.NewK8sGateway(restConfig, clientset, podspec.NodeSelectorKey, log), nil
}

func newCloudAdapter(cfg *config.Config, log logr.Logger) (cloudadapter.Adapter, error) {
	sess, err := awssession.NewSessionWithOptions(awssession.Options{SharedConfigState: awssession.SharedConfigEnable})
	if err != nil {
		return nil, fmt.Errorf("creating aws session: %w", err)
	}
	sess.Config.Region = &cfg.AWSRegion
	return cloudadapter.NewEC2Adapter(ec2.New(sess), autoscaling.New(sess), "osdc.io/gpu-type", log), nil
}

func newQueues(ctx context.Context, cfg *config.Config, log logr.Logger) (reserveQ, diskQ queue.Queue, err error) {
	awsCfg, err := awsconfigv2.LoadDefaultConfig(ctx, awsconfigv2.WithRegion(cfg.AWSRegion))
	if err != nil {
		return nil, nil, fmt.Errorf("loading aws sdk v2 config: %w", err)
	}
	client := sqs.NewFromConfig(awsCfg)

	reserveURL, err := resolveQueueURL(ctx, client, cfg.QueueNameReservations)
	if err != nil {
		return nil, nil, err
	}
	diskURL, err := resolveQueueURL(ctx, client, cfg.QueueNameDiskOps)
	if err != nil {
		return nil, nil, err
	}

	return queue.NewSQSQueue(client, reserveURL, "", log),
		queue.NewSQSQueue(client, diskURL, "", log),
		nil
}

func resolveQueueURL(ctx context.Context, client *sqs.Client, name string) (string, error) {
	out, err := client.GetQueueUrl(ctx, &sqs.GetQueueUrlInput{QueueName: &name})
	if err != nil {
		return "", fmt.Errorf("resolving queue url for %s: %w", name, err)
	}
	return *out.QueueUrl, nil
}
