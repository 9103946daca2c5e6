package relay

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tabrelay/cdp-relay/lib/cdp"
)

func TestEventBufferDropsOldestOnOverflow(t *testing.T) {
	t.Parallel()
	buf := newEventBuffer(3)
	for i := 1; i <= 5; i++ {
		dropped := buf.push(&cdp.Message{Method: fmt.Sprintf("ev%d", i)})
		if i <= 3 {
			assert.Zero(t, dropped)
		} else {
			assert.Equal(t, i-3, dropped)
		}
	}

	msgs := buf.drain()
	require.Len(t, msgs, 3)
	assert.Equal(t, "ev3", msgs[0].Method)
	assert.Equal(t, "ev5", msgs[2].Method)
}

func TestEventBufferDrainResets(t *testing.T) {
	t.Parallel()
	buf := newEventBuffer(2)
	buf.push(&cdp.Message{Method: "a"})
	require.Len(t, buf.drain(), 1)
	assert.Zero(t, buf.len())
	assert.Empty(t, buf.drain())

	buf.push(&cdp.Message{Method: "b"})
	msgs := buf.drain()
	require.Len(t, msgs, 1)
	assert.Equal(t, "b", msgs[0].Method)
}
