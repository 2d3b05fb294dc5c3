package middleware

import (
	"fmt"
	"net/http"
	"sync"

	"github.com/google/uuid"

	"github.com/lstoll/oidcrp"
)

// MemorySessionStore is a simple session store, that tracks state in memory. It
// is mainly used for testing, it is not suitible for anything outside a single
// process.
type MemorySessionStore struct {
	// CookieTemplate is used to create the cookie we track the session ID in.
	// It must have at least the name set.
	CookieTemplate *http.Cookie

	sessions   map[string]oidcrp.SessionData
	sessionsMu sync.Mutex
}

func (m *MemorySessionStore) Get(r *http.Request) (*oidcrp.SessionData, error) {
	m.sessionsMu.Lock()
	defer m.sessionsMu.Unlock()
	if err := m.init(); err != nil {
		return nil, err
	}

	sid, err := sidFromCookie(r, m.CookieTemplate.Name)
	if err != nil {
		return nil, err
	}

	sd := new(oidcrp.SessionData)
	if s, ok := m.sessions[sid]; ok && sid != "" {
		*sd = s
	}
	return sd, nil
}

func (m *MemorySessionStore) Save(w http.ResponseWriter, r *http.Request, d *oidcrp.SessionData) error {
	m.sessionsMu.Lock()
	defer m.sessionsMu.Unlock()
	if err := m.init(); err != nil {
		return err
	}

	sid, _ := sidFromCookie(r, m.CookieTemplate.Name)

	if d == nil {
		expireCookie(w, m.CookieTemplate)
		if sid != "" {
			delete(m.sessions, sid)
		}
		return nil
	}

	// a new ID on every save, so a session can't be fixed by an attacker
	if sid != "" {
		delete(m.sessions, sid)
	}
	sid = uuid.NewString()
	m.sessions[sid] = *d

	setCookie(w, m.CookieTemplate, sid)
	return nil
}

// Len returns the number of stored sessions.
func (m *MemorySessionStore) Len() int {
	m.sessionsMu.Lock()
	defer m.sessionsMu.Unlock()
	return len(m.sessions)
}

func (m *MemorySessionStore) init() error {
	if m.sessions == nil {
		m.sessions = make(map[string]oidcrp.SessionData)
	}
	return checkTemplate(m.CookieTemplate)
}

func checkTemplate(c *http.Cookie) error {
	if c == nil || c.Name == "" {
		return fmt.Errorf("cookie template missing name")
	}
	return nil
}

func sidFromCookie(r *http.Request, name string) (string, error) {
	c, err := r.Cookie(name)
	if err != nil && err != http.ErrNoCookie {
		return "", fmt.Errorf("failed getting cookie: %w", err)
	}
	if c != nil {
		return c.Value, nil
	}
	return "", nil
}

func setCookie(w http.ResponseWriter, tmpl *http.Cookie, value string) {
	nc := &http.Cookie{}
	*nc = *tmpl
	nc.Value = value
	http.SetCookie(w, nc)
}

func expireCookie(w http.ResponseWriter, tmpl *http.Cookie) {
	http.SetCookie(w, &http.Cookie{
		Name:   tmpl.Name,
		Path:   tmpl.Path,
		Domain: tmpl.Domain,
		Value:  "",
		MaxAge: -1,
	})
}
