package client

import (
	"context"

	"github.com/go-go-golems/desktopctl/pkg/protocol"
)

// PersistenceAPI stores scenario form state with an expected-hash precondition.
type PersistenceAPI interface {
	Fetch(ctx context.Context, scenarioName string, opts protocol.FetchOptions) (protocol.FetchResponse, error)
	Save(ctx context.Context, req protocol.SaveRequest) (protocol.SaveResponse, error)
	Delete(ctx context.Context, scenarioName string) error
}

type StalenessAPI interface {
	CheckStaleness(ctx context.Context, req protocol.StalenessRequest) (protocol.StalenessResponse, error)
}

type PipelineAPI interface {
	StartRun(ctx context.Context, req protocol.RunRequest) (protocol.RunResponse, error)
	RunStatus(ctx context.Context, pipelineID string) (protocol.RunStatus, error)
	CancelRun(ctx context.Context, pipelineID string) error
}

// Client is everything the desktop builder server exposes.
type Client interface {
	PersistenceAPI
	StalenessAPI
	PipelineAPI
}
