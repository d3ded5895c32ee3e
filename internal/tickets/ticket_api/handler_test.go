package ticket_api_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ms-ticket-commerce/internal/auth"
	"ms-ticket-commerce/internal/logger"
	"ms-ticket-commerce/internal/models"
	"ms-ticket-commerce/internal/testutil"
	"ms-ticket-commerce/internal/tickets"
	"ms-ticket-commerce/internal/tickets/qr"
	"ms-ticket-commerce/internal/tickets/ticket_api"
)

func setup(t *testing.T) (*testutil.Fixture, http.Handler) {
	f := testutil.NewFixture(t)
	gen, err := qr.NewGenerator("door-secret")
	require.NoError(t, err)
	svc := tickets.NewTicketService(f.DB, gen, logger.NewNop()).WithClock(testutil.FixedClock(f.Now))

	r := chi.NewRouter()
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if id, err := uuid.Parse(r.Header.Get("X-Test-User")); err == nil {
				r = r.WithContext(auth.WithUser(r.Context(), auth.User{ID: id, BoxOffice: r.Header.Get("X-Test-Box-Office") == "1"}))
			}
			next.ServeHTTP(w, r)
		})
	})
	ticket_api.NewHandler(svc, logger.NewNop()).Routes(r)
	return f, r
}

func ownedTicket(t *testing.T, f *testutil.Fixture, owner uuid.UUID) uuid.UUID {
	t.Helper()
	tt := f.AddTicketType(t, "GA", 100, 1)
	key := "ABCD2345"
	res, err := f.DB.NewUpdate().Model((*models.TicketInstance)(nil)).
		Set("status = ?", models.TicketInstanceStatusPurchased).
		Set("owner_user_id = ?", owner).
		Set("redeem_key = ?", key).
		Where("ticket_type_id = ?", tt.ID).
		Exec(context.Background())
	require.NoError(t, err)
	n, _ := res.RowsAffected()
	require.Equal(t, int64(1), n)

	var ti models.TicketInstance
	require.NoError(t, f.DB.NewSelect().Model(&ti).Where("ticket_type_id = ?", tt.ID).Scan(context.Background()))
	return ti.ID
}

func call(h http.Handler, method, path string, user uuid.UUID, boxOffice bool, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("X-Test-User", user.String())
	if boxOffice {
		req.Header.Set("X-Test-Box-Office", "1")
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestRedeem_DoorOnly(t *testing.T) {
	f, h := setup(t)
	owner := f.AddUser(t)
	id := ownedTicket(t, f, owner.ID)
	path := "/tickets/" + id.String() + "/redeem"

	rec := call(h, http.MethodPost, path, owner.ID, false, `{"redeem_key":"ABCD2345"}`)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	door := uuid.New()
	rec = call(h, http.MethodPost, path, door, true, `{}`)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	rec = call(h, http.MethodPost, path, door, true, `{"redeem_key":"ABCD2345"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Data ticket_api.RedeemResponse `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, models.RedeemResultSuccess, body.Data.Result)
}

func TestTicketQR(t *testing.T) {
	f, h := setup(t)
	owner := f.AddUser(t)
	id := ownedTicket(t, f, owner.ID)

	rec := call(h, http.MethodGet, "/tickets/"+id.String()+"/qr", owner.ID, false, "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "image/png", rec.Header().Get("Content-Type"))

	rec = call(h, http.MethodGet, "/tickets/"+id.String()+"/qr", uuid.New(), false, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestTransferFlow(t *testing.T) {
	f, h := setup(t)
	owner := f.AddUser(t)
	friend := f.AddUser(t)
	id := ownedTicket(t, f, owner.ID)

	rec := call(h, http.MethodPost, "/tickets/"+id.String()+"/transfer", owner.ID, false, "")
	require.Equal(t, http.StatusCreated, rec.Code)
	var started struct {
		Data models.Transfer `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &started))

	rec = call(h, http.MethodPost, "/transfers/"+started.Data.TransferKey.String()+"/accept", friend.ID, false, "")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = call(h, http.MethodGet, "/tickets", friend.ID, false, "")
	require.Equal(t, http.StatusOK, rec.Code)
	var list struct {
		Data []models.TicketInstance `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	require.Len(t, list.Data, 1)
	assert.Equal(t, id, list.Data[0].ID)
}
