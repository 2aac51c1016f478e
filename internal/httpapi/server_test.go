package httpapi

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"XUI-Telegram-bot/internal/db"
	"XUI-Telegram-bot/internal/db/dbtest"
	"XUI-Telegram-bot/internal/services"
)

type staticStatus services.PanelStatus

func (s staticStatus) Status() services.PanelStatus { return services.PanelStatus(s) }

func TestHealth(t *testing.T) {
	srv := httptest.NewServer(NewRouter(Deps{DB: dbtest.Open(t)}))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestStats(t *testing.T) {
	conn := dbtest.Open(t)
	dbtest.SeedUser(t, conn, 1, 0, nil)
	dbtest.SeedUser(t, conn, 2, 0, nil)
	expire := time.Now().Add(time.Hour)
	require.NoError(t, conn.Model(&db.User{}).Where("user_id = ?", 1).
		Updates(map[string]interface{}{"remarks": "alice1", "expire_date": expire}).Error)
	require.NoError(t, db.CreatePaymentRequest(conn, &db.PaymentRequest{UserID: 2, PlanKey: "plan_a"}))

	srv := httptest.NewServer(NewRouter(Deps{
		DB:          conn,
		Panel:       staticStatus{Online: true, Inbounds: 3},
		Maintenance: func() bool { return true },
	}))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/stats")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.EqualValues(t, 2, body["users"])
	assert.EqualValues(t, 1, body["active_subscriptions"])
	assert.EqualValues(t, 1, body["pending_requests"])
	assert.Equal(t, true, body["maintenance"])
	panelStatus, ok := body["panel"].(map[string]interface{})
	require.True(t, ok)
	assert.EqualValues(t, 3, panelStatus["inbounds"])
}

func TestNotFound(t *testing.T) {
	srv := httptest.NewServer(NewRouter(Deps{DB: dbtest.Open(t)}))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/nope")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}
