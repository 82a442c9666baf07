package reservation

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/wdvr/gpu-devpod-controlplane/internal/errs"
	"github.com/wdvr/gpu-devpod-controlplane/internal/queue"
)

func TestDispatchUnknownActionIsUserFatal(t *testing.T) {
	p := &Processor{}
	err := p.dispatch(context.Background(), queue.Body{Action: queue.Action("bogus")})

	var userFatal *errs.UserFatal
	assert.True(t, errors.As(err, &userFatal))
	assert.Equal(t, "unknown action", userFatal.Reason)
}
