package panel

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// fakePanel минимальная 3x-ui для тестов
type fakePanel struct {
	t   *testing.T
	srv *httptest.Server

	mu       sync.Mutex
	inbounds map[int]map[string]interface{}
	order    []int

	logins       atomic.Int32
	updates      atomic.Int32
	listFailures atomic.Int32
	updateStatus int
	loginStatus  int
	loginDelay   time.Duration
}

func newFakePanel(t *testing.T) *fakePanel {
	t.Helper()
	f := &fakePanel{t: t, inbounds: map[int]map[string]interface{}{}}
	mux := http.NewServeMux()
	mux.HandleFunc("POST /login", f.login)
	mux.HandleFunc("GET /panel/api/inbounds/list", f.auth(f.list))
	mux.HandleFunc("GET /panel/api/inbounds/get/{id}", f.auth(f.get))
	mux.HandleFunc("POST /panel/api/inbounds/update/{id}", f.auth(f.update))
	f.srv = httptest.NewServer(mux)
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakePanel) client() *Client {
	return NewClient(Config{
		BaseURL:       f.srv.URL,
		Username:      "admin",
		Password:      "secret",
		Timeout:       5 * time.Second,
		ServerDomain:  "vpn.example.com",
		InboundRemark: "main",
	})
}

func (f *fakePanel) addInbound(id int, remark, protocol string, port int, stream map[string]interface{}, settings map[string]interface{}) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ss, _ := json.Marshal(stream)
	st, _ := json.Marshal(settings)
	f.inbounds[id] = map[string]interface{}{
		"id":             id,
		"remark":         remark,
		"port":           port,
		"protocol":       protocol,
		"enable":         true,
		"streamSettings": string(ss),
		"settings":       string(st),
		"sniffing":       `{"enabled":true}`,
	}
	f.order = append(f.order, id)
}

// entries возвращает список clients или peers inbound.
func (f *fakePanel) entries(id int, key string) []map[string]interface{} {
	f.mu.Lock()
	defer f.mu.Unlock()
	var settings map[string]interface{}
	if err := json.Unmarshal([]byte(f.inbounds[id]["settings"].(string)), &settings); err != nil {
		f.t.Fatalf("decode settings: %v", err)
	}
	list, _ := settings[key].([]interface{})
	out := make([]map[string]interface{}, 0, len(list))
	for _, item := range list {
		out = append(out, item.(map[string]interface{}))
	}
	return out
}

func (f *fakePanel) field(id int, name string) interface{} {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.inbounds[id][name]
}

func (f *fakePanel) login(w http.ResponseWriter, r *http.Request) {
	n := f.logins.Add(1)
	delay := 20 * time.Millisecond
	if f.loginDelay > 0 {
		delay = f.loginDelay
	}
	time.Sleep(delay)
	if f.loginStatus != 0 {
		w.WriteHeader(f.loginStatus)
		return
	}
	if r.FormValue("username") != "admin" || r.FormValue("password") != "secret" {
		writeEnvelope(w, false, "wrong credentials", nil)
		return
	}
	http.SetCookie(w, &http.Cookie{Name: sessionCookie, Value: "session-" + strconv.Itoa(int(n))})
	writeEnvelope(w, true, "", nil)
}

func (f *fakePanel) auth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if ck, err := r.Cookie(sessionCookie); err != nil || ck.Value == "" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		next(w, r)
	}
}

func (f *fakePanel) list(w http.ResponseWriter, _ *http.Request) {
	if f.listFailures.Load() > 0 {
		f.listFailures.Add(-1)
		w.WriteHeader(http.StatusBadGateway)
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	items := make([]interface{}, 0, len(f.order))
	for _, id := range f.order {
		items = append(items, f.inbounds[id])
	}
	writeEnvelope(w, true, "", items)
}

func (f *fakePanel) get(w http.ResponseWriter, r *http.Request) {
	id, _ := strconv.Atoi(r.PathValue("id"))
	f.mu.Lock()
	defer f.mu.Unlock()
	in, ok := f.inbounds[id]
	if !ok {
		writeEnvelope(w, false, "not found", nil)
		return
	}
	writeEnvelope(w, true, "", in)
}

func (f *fakePanel) update(w http.ResponseWriter, r *http.Request) {
	f.updates.Add(1)
	if f.updateStatus != 0 {
		w.WriteHeader(f.updateStatus)
		return
	}
	id, _ := strconv.Atoi(r.PathValue("id"))
	var body map[string]interface{}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	if _, ok := body["settings"].(string); !ok {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	// имитация сетевой задержки между чтением и записью
	time.Sleep(10 * time.Millisecond)
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.inbounds[id]; !ok {
		writeEnvelope(w, false, "not found", nil)
		return
	}
	body["id"] = id
	f.inbounds[id] = body
	writeEnvelope(w, true, "Update successfully", nil)
}

func writeEnvelope(w http.ResponseWriter, ok bool, msg string, obj interface{}) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]interface{}{"success": ok, "msg": msg, "obj": obj})
}
