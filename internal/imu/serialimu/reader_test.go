package serialimu

import (
	"context"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type nopCloser struct{ io.Reader }

func (nopCloser) Close() error { return nil }

func TestParseLine(t *testing.T) {
	data, err := ParseLine("1.5, 0.01, -0.02, 0.03, 0.1, 0.2, 9.81")
	require.NoError(t, err)
	assert.Equal(t, 1.5, data.Timestamp)
	assert.Equal(t, 0.01, data.Wm[0])
	assert.Equal(t, 9.81, data.Am[2])
}

func TestParseLineErrors(t *testing.T) {
	_, err := ParseLine("1.5,0.01,-0.02")
	assert.Error(t, err)
	_, err = ParseLine("a,b,c,d,e,f,g")
	assert.Error(t, err)
}

func TestMonitorDropsMalformedAndOutOfOrder(t *testing.T) {
	input := strings.Join([]string{
		"1.0,0,0,0,0,0,9.81",
		"not a sample",
		"0.5,0,0,0,0,0,9.81", // out of order
		"1.5,0,0,0,0,0,9.81",
	}, "\n")
	r := NewReader(nopCloser{strings.NewReader(input)})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	go func() {
		if err := r.Monitor(ctx); err != nil {
			t.Error(err)
		}
	}()

	var got []float64
	for d := range r.Samples() {
		got = append(got, d.Timestamp)
	}
	assert.Equal(t, []float64{1.0, 1.5}, got)
}
