package headless

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/rental-crawler/internal/crawler"
)

func TestCallExpressionEncodesArguments(t *testing.T) {
	t.Parallel()

	expr, err := callExpression(`(s, n) => s + n`, `.more "cars"`, 3)
	require.NoError(t, err)
	assert.Equal(t, `((s, n) => s + n)(".more \"cars\"", 3)`, expr)

	expr, err = callExpression(`() => 1`)
	require.NoError(t, err)
	assert.Equal(t, `(() => 1)()`, expr)

	_, err = callExpression(`(x) => x`, make(chan int))
	require.ErrorContains(t, err, "encode script argument 0")
}

func TestClassifyRunError(t *testing.T) {
	t.Parallel()

	background := context.Background()
	require.NoError(t, classifyRunError(background, background, nil))

	expired, cancel := context.WithTimeout(background, -time.Second)
	defer cancel()
	err := classifyRunError(background, expired, errors.New("waiting for selector"))
	require.ErrorIs(t, err, crawler.ErrTimeout)

	err = classifyRunError(background, background, context.DeadlineExceeded)
	require.ErrorIs(t, err, crawler.ErrTimeout)

	cancelled, cancelCaller := context.WithCancel(background)
	cancelCaller()
	err = classifyRunError(cancelled, cancelled, context.Canceled)
	require.ErrorIs(t, err, context.Canceled)
	require.NotErrorIs(t, err, crawler.ErrTimeout)

	boom := errors.New("target closed")
	err = classifyRunError(background, background, boom)
	require.ErrorIs(t, err, boom)
	require.NotErrorIs(t, err, crawler.ErrTimeout)
}

func TestDocumentMetaTracksMainDocument(t *testing.T) {
	t.Parallel()

	meta := &documentMeta{}
	meta.captureEvent(&network.EventResponseReceived{
		Type:     network.ResourceTypeImage,
		Response: &network.Response{Status: 500},
	})
	assert.Zero(t, meta.status())

	meta.captureEvent(&network.EventResponseReceived{
		Type:     network.ResourceTypeDocument,
		Response: &network.Response{Status: 404},
	})
	assert.Equal(t, 404, meta.status())

	meta.reset()
	assert.Zero(t, meta.status())
	meta.captureEvent("unrelated event")
	assert.Zero(t, meta.status())
}

func TestAllocatorOptionsIncludeOverrides(t *testing.T) {
	t.Parallel()

	base := len(allocatorOptions(Config{Headless: true}))
	withAll := allocatorOptions(Config{Headless: true, UserAgent: "bot", ExecPath: "/bin/chrome", NoSandbox: true})
	assert.Len(t, withAll, base+3)
}
