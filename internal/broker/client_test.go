package broker

import (
	"errors"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"

	"github.com/ternarybob/dspider/internal/common"
)

func TestReconnectDelayBounds(t *testing.T) {
	for attempt := 1; attempt <= 20; attempt++ {
		delay := reconnectDelay(attempt)
		assert.GreaterOrEqual(t, delay, reconnectBase/2, "attempt %d", attempt)
		assert.LessOrEqual(t, delay, reconnectCap+reconnectCap/4, "attempt %d", attempt)
	}
}

func TestReconnectDelayGrows(t *testing.T) {
	// Jitter aside, later attempts must not collapse back to the base.
	late := reconnectDelay(10)
	assert.GreaterOrEqual(t, late, 30*time.Second)
}

func TestClassifyAMQPError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want common.Kind
	}{
		{"access refused", &amqp.Error{Code: amqp.AccessRefused, Reason: "denied"}, common.KindConfig},
		{"not allowed", &amqp.Error{Code: amqp.NotAllowed, Reason: "vhost"}, common.KindConfig},
		{"channel error", &amqp.Error{Code: amqp.ChannelError, Reason: "lost"}, common.KindTransport},
		{"plain error", errors.New("dial tcp: refused"), common.KindTransport},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := classifyAMQPError("op", tt.err)
			assert.Equal(t, tt.want, common.KindOf(got))
		})
	}
}
