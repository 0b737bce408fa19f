package notify

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNotifySendsFormFields(t *testing.T) {
	var got map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		got = map[string]string{
			"token":   r.PostFormValue("token"),
			"user":    r.PostFormValue("user"),
			"title":   r.PostFormValue("title"),
			"message": r.PostFormValue("message"),
		}
		w.Write([]byte(`{"status":1}`))
	}))
	defer srv.Close()

	p := New("app-token", "user-key", nil)
	p.endpoint = srv.URL
	require.NoError(t, p.Notify(context.Background(), "posse", "syndication failed"))
	assert.Equal(t, "app-token", got["token"])
	assert.Equal(t, "user-key", got["user"])
	assert.Equal(t, "syndication failed", got["message"])
}

func TestNotifyErrorIncludesBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"errors":["user key invalid"]}`, http.StatusBadRequest)
	}))
	defer srv.Close()

	p := New("app-token", "bad-key", nil)
	p.endpoint = srv.URL
	err := p.Notify(context.Background(), "posse", "hello")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "400")
	assert.Contains(t, err.Error(), "user key invalid")
}

func TestPingUsesLowPriority(t *testing.T) {
	var priority string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		priority = r.PostFormValue("priority")
		w.Write([]byte(`{"status":1}`))
	}))
	defer srv.Close()

	p := New("app-token", "user-key", nil)
	p.endpoint = srv.URL
	require.NoError(t, p.Ping(context.Background()))
	assert.Equal(t, "-2", priority)
}
