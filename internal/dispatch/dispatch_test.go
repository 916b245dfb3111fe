package dispatch

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDispatch_PostWithBodyReturnsReply(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	d := New(map[string]string{"backend": srv.URL}, nil)
	_, ch, err := d.Dispatch(t.Context(), "backend", "/x", nil, []byte(`{}`), time.Second)
	require.NoError(t, err)
	reply := <-ch
	require.NoError(t, reply.Err)
	require.Equal(t, http.StatusOK, reply.StatusCode)
	require.JSONEq(t, `{"ok":true}`, string(reply.Body))
}

func TestDispatch_NilBodySendsGet(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodGet, r.Method)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	d := New(map[string]string{"backend": srv.URL}, nil)
	_, ch, err := d.Dispatch(t.Context(), "backend", "/x", nil, nil, time.Second)
	require.NoError(t, err)
	reply := <-ch
	require.NoError(t, reply.Err)
}

func TestDispatch_UnknownClusterErrors(t *testing.T) {
	d := New(map[string]string{}, nil)
	_, _, err := d.Dispatch(t.Context(), "nope", "/x", nil, nil, time.Second)
	require.Error(t, err)
}

func TestDispatch_ActiveCallsCallback(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	var deltas []int
	d := New(map[string]string{"backend": srv.URL}, func(delta int) { deltas = append(deltas, delta) })
	_, ch, err := d.Dispatch(t.Context(), "backend", "/x", nil, nil, time.Second)
	require.NoError(t, err)
	<-ch
	require.Equal(t, []int{1, -1}, deltas)
}

func TestDispatch_TokensAreUnique(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	d := New(map[string]string{"backend": srv.URL}, nil)
	tok1, ch1, err := d.Dispatch(t.Context(), "backend", "/x", nil, nil, time.Second)
	require.NoError(t, err)
	tok2, ch2, err := d.Dispatch(t.Context(), "backend", "/x", nil, nil, time.Second)
	require.NoError(t, err)
	require.NotEqual(t, tok1, tok2)
	<-ch1
	<-ch2
}
