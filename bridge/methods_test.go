package bridge

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/pipebridge/pipebridge/rpc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func testRegistry() *methodRegistry {
	return newMethodRegistry(zap.NewNop().Sugar())
}

func TestDispatchUnknownMethod(t *testing.T) {
	reg := testRegistry()

	resp := reg.dispatch(context.Background(), &rpc.Message{ID: json.RawMessage("5"), Method: "bogus"})
	require.NotNil(t, resp.Error)
	assert.Equal(t, rpc.CodeMethodNotFound, resp.Error.Code)
	assert.Equal(t, "5", string(resp.ID))
}

func TestDispatchResult(t *testing.T) {
	reg := testRegistry()
	reg.register("answer_get", func(ctx context.Context) (any, *rpc.Error) {
		return map[string]int{"answer": 42}, nil
	})

	resp := reg.dispatch(context.Background(), &rpc.Message{ID: json.RawMessage("1"), Method: "answer_get"})
	require.Nil(t, resp.Error)
	assert.JSONEq(t, `{"answer":42}`, string(resp.Result))
}

func TestDispatchHandlerError(t *testing.T) {
	reg := testRegistry()
	reg.register("broken", func(ctx context.Context) (any, *rpc.Error) {
		return nil, &rpc.Error{Code: rpc.CodeServiceUnavailable, Message: "External application did not connect"}
	})

	resp := reg.dispatch(context.Background(), &rpc.Message{ID: json.RawMessage("1"), Method: "broken"})
	require.NotNil(t, resp.Error)
	assert.Equal(t, rpc.CodeServiceUnavailable, resp.Error.Code)
	assert.Equal(t, "External application did not connect", resp.Error.Message)
}

func TestDispatchNilResult(t *testing.T) {
	reg := testRegistry()
	reg.register("aborted", func(ctx context.Context) (any, *rpc.Error) {
		return nil, nil
	})

	resp := reg.dispatch(context.Background(), &rpc.Message{ID: json.RawMessage("1"), Method: "aborted"})
	require.Nil(t, resp.Error)
	assert.Equal(t, "null", string(resp.Result))
}
