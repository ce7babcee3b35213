package gocommand

import (
	"context"
	"errors"
	"testing"

	"github.com/goliatone/go-command"
	"github.com/goliatone/go-integration-gateway/admin"
	gatewaycommand "github.com/goliatone/go-integration-gateway/command"
	"github.com/goliatone/go-integration-gateway/core"
	"github.com/goliatone/go-integration-gateway/lifecycle"
	"github.com/goliatone/go-integration-gateway/query"
	jobqueuecommand "github.com/goliatone/go-job/queue/command"
)

type okMessage struct{}

func (okMessage) Type() string { return "gateway.test.ok" }

type invalidMessage struct{}

func (invalidMessage) Type() string { return "" }

type failingMessage struct{}

func (failingMessage) Type() string { return "gateway.test.fail" }

func (failingMessage) Validate() error { return errors.New("invalid payload") }

type queueMessage struct{}

func (queueMessage) Type() string { return "gateway.test.queue" }

func TestValidateMessageContract(t *testing.T) {
	if err := ValidateMessageContract(okMessage{}); err != nil {
		t.Fatalf("expected valid message, got %v", err)
	}
	if err := ValidateMessageContract(invalidMessage{}); err == nil {
		t.Fatalf("expected empty type to fail contract validation")
	}
	if err := ValidateMessageContract(failingMessage{}); err == nil || err.Error() != "invalid payload" {
		t.Fatalf("expected Validate() failure to bubble, got %v", err)
	}
	if err := ValidateMessageContract(struct{}{}); err == nil {
		t.Fatalf("expected message without Type() to fail")
	}
}

func TestQueueResolverMirrorsCommands(t *testing.T) {
	bus := NewBus(command.NewRegistry())
	defer bus.Close()
	queueRegistry := jobqueuecommand.NewRegistry()

	if err := bus.AddQueueResolver("queue", queueRegistry); err != nil {
		t.Fatalf("add queue resolver: %v", err)
	}
	if !bus.HasResolver("queue") {
		t.Fatalf("expected queue resolver to be registered")
	}
	if err := RegisterCommand(bus, command.CommandFunc[queueMessage](func(context.Context, queueMessage) error { return nil })); err != nil {
		t.Fatalf("register command: %v", err)
	}
	if err := bus.Initialize(); err != nil {
		t.Fatalf("initialize registry: %v", err)
	}
	if _, ok := queueRegistry.Get("gateway.test.queue"); !ok {
		t.Fatalf("expected command to be mirrored into queue registry")
	}
}

func TestRegisterGatewayDispatchesCommandsAndQueries(t *testing.T) {
	ctx := context.Background()
	svc := &fakeLifecycle{}
	adminSvc := &fakeAdmin{}
	bus := NewBus(nil)
	defer bus.Close()

	if err := RegisterGateway(bus, Handlers{Lifecycle: svc, Admin: adminSvc}); err != nil {
		t.Fatalf("register gateway: %v", err)
	}
	if err := bus.Initialize(); err != nil {
		t.Fatalf("initialize: %v", err)
	}

	token, err := DispatchResult[gatewaycommand.VendTokenMessage, core.VendedToken](ctx, gatewaycommand.VendTokenMessage{ConnectionID: "conn_1"})
	if err != nil {
		t.Fatalf("dispatch vend: %v", err)
	}
	if token.AccessToken != "tok" || svc.vended != "conn_1" {
		t.Fatalf("unexpected vend result: %+v", token)
	}

	if err := Dispatch(ctx, gatewaycommand.UnlinkResourceMessage{ConnectionID: "conn_1"}); !core.HasTextCode(err, core.ErrorBadInput) {
		t.Fatalf("expected validation to run before dispatch, got %v", err)
	}
	if svc.unlinkCalls != 0 {
		t.Fatalf("expected invalid message to never reach the service")
	}

	conn, err := Query[query.GetConnectionMessage, core.Connection](ctx, query.GetConnectionMessage{ConnectionID: "conn_1"})
	if err != nil {
		t.Fatalf("query connection: %v", err)
	}
	if conn.ID != "conn_1" {
		t.Fatalf("unexpected connection: %+v", conn)
	}

	health, err := Query[query.HealthMessage, admin.Health](ctx, query.HealthMessage{})
	if err != nil {
		t.Fatalf("query health: %v", err)
	}
	if health.Status != "ok" {
		t.Fatalf("unexpected health: %+v", health)
	}
}

func TestRegisterCommandRequiresBus(t *testing.T) {
	if err := RegisterCommand[okMessage](nil, nil); err == nil {
		t.Fatalf("expected nil bus to fail")
	}
	if err := RegisterQuery[okMessage, string](NewBus(nil), nil); err == nil {
		t.Fatalf("expected nil query to fail")
	}
}

type fakeLifecycle struct {
	vended      string
	unlinkCalls int
}

func (f *fakeLifecycle) Authorize(context.Context, lifecycle.AuthorizeRequest) (lifecycle.AuthorizeResponse, error) {
	return lifecycle.AuthorizeResponse{}, nil
}

func (f *fakeLifecycle) Callback(context.Context, lifecycle.CallbackRequest) (core.Connection, error) {
	return core.Connection{}, nil
}

func (f *fakeLifecycle) Setup(context.Context, lifecycle.SetupRequest) (core.Connection, error) {
	return core.Connection{}, nil
}

func (f *fakeLifecycle) Teardown(context.Context, lifecycle.TeardownRequest) (core.Connection, error) {
	return core.Connection{}, nil
}

func (f *fakeLifecycle) Refresh(_ context.Context, id string) (core.Connection, error) {
	return core.Connection{ID: id}, nil
}

func (f *fakeLifecycle) VendToken(_ context.Context, id string) (core.VendedToken, error) {
	f.vended = id
	return core.VendedToken{ConnectionID: id, AccessToken: "tok"}, nil
}

func (f *fakeLifecycle) LinkResource(context.Context, lifecycle.LinkResourceRequest) (core.Resource, error) {
	return core.Resource{}, nil
}

func (f *fakeLifecycle) UnlinkResource(context.Context, string, string) error {
	f.unlinkCalls++
	return nil
}

func (f *fakeLifecycle) GetConnection(_ context.Context, id string) (core.Connection, error) {
	return core.Connection{ID: id}, nil
}

func (f *fakeLifecycle) ListResources(context.Context, string) ([]core.Resource, error) {
	return nil, nil
}

type fakeAdmin struct{}

func (fakeAdmin) RebuildRoutingIndex(context.Context) (admin.RebuildResult, error) {
	return admin.RebuildResult{}, nil
}

func (fakeAdmin) ReplayDeadLetters(context.Context, core.DeadLetterFilter) (admin.ReplayResult, error) {
	return admin.ReplayResult{}, nil
}

func (fakeAdmin) ListDeadLetters(context.Context, core.DeadLetterFilter) ([]core.DeadLetter, error) {
	return nil, nil
}

func (fakeAdmin) Health(context.Context) admin.Health {
	return admin.Health{Status: "ok"}
}
