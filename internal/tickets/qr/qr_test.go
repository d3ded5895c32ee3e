package qr_test

import (
	"bytes"
	"image/png"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ms-ticket-commerce/internal/tickets/qr"
)

func TestSealOpen(t *testing.T) {
	g, err := qr.NewGenerator("door-secret")
	require.NoError(t, err)

	in := qr.Payload{TicketID: uuid.New(), RedeemKey: "ABCD2345", IssuedAt: 1700000000}
	code, err := g.Seal(in)
	require.NoError(t, err)

	again, err := g.Seal(in)
	require.NoError(t, err)
	assert.NotEqual(t, code, again, "each seal uses a fresh nonce")

	out, err := g.Open(code)
	require.NoError(t, err)
	assert.Equal(t, in, *out)
}

func TestOpen_Rejects(t *testing.T) {
	g, err := qr.NewGenerator("door-secret")
	require.NoError(t, err)
	other, err := qr.NewGenerator("another-secret")
	require.NoError(t, err)

	code, err := other.Seal(qr.Payload{TicketID: uuid.New(), RedeemKey: "K"})
	require.NoError(t, err)
	mine, err := g.Seal(qr.Payload{TicketID: uuid.New(), RedeemKey: "K"})
	require.NoError(t, err)
	tampered := []byte(mine)
	if tampered[30] == 'A' {
		tampered[30] = 'B'
	} else {
		tampered[30] = 'A'
	}

	for name, c := range map[string]string{
		"foreign key": code,
		"not base64":  "%%%",
		"too short":   "AAAA",
		"tampered":    string(tampered),
	} {
		t.Run(name, func(t *testing.T) {
			_, err := g.Open(c)
			assert.ErrorIs(t, err, qr.ErrInvalidCode)
		})
	}
}

func TestPNG(t *testing.T) {
	g, err := qr.NewGenerator("door-secret")
	require.NoError(t, err)

	img, err := g.PNG(qr.Payload{TicketID: uuid.New(), RedeemKey: "ABCD2345"}, 256)
	require.NoError(t, err)
	decoded, err := png.Decode(bytes.NewReader(img))
	require.NoError(t, err)
	assert.Equal(t, 256, decoded.Bounds().Dx())
}

func TestNewGenerator_RequiresSecret(t *testing.T) {
	_, err := qr.NewGenerator("")
	assert.Error(t, err)
}
