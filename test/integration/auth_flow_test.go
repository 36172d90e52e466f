// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

//go:build integration

package integration

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"sync"

	"github.com/oklog/ulid/v2"
	. "github.com/onsi/ginkgo/v2" //nolint:revive // ginkgo convention
	. "github.com/onsi/gomega"    //nolint:revive // gomega convention
)

// client is a cookie-keeping HTTP client that does not follow redirects.
type client struct {
	http *http.Client
}

func newClient() *client {
	jar, err := cookiejar.New(nil)
	Expect(err).NotTo(HaveOccurred())
	return &client{http: &http.Client{
		Jar: jar,
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}}
}

func (c *client) do(method, path string, form url.Values, mutate ...func(*http.Request)) (int, map[string]any) {
	var body io.Reader
	if form != nil {
		body = strings.NewReader(form.Encode())
	}
	req, err := http.NewRequestWithContext(env.ctx, method, env.server.URL+path, body)
	Expect(err).NotTo(HaveOccurred())
	if form != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}
	for _, m := range mutate {
		m(req)
	}

	resp, err := c.http.Do(req)
	Expect(err).NotTo(HaveOccurred())
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(resp.Body)
	Expect(err).NotTo(HaveOccurred())
	var decoded map[string]any
	if len(raw) > 0 {
		_ = json.Unmarshal(raw, &decoded)
	}
	return resp.StatusCode, decoded
}

func uniqueEmail() string {
	return strings.ToLower(ulid.Make().String()) + "@example.com"
}

func credentials(email, password string) url.Values {
	return url.Values{"email": {email}, "password": {password}}
}

var _ = Describe("Account lifecycle over HTTP", func() {
	var (
		c     *client
		email string
	)

	BeforeEach(func() {
		c = newClient()
		email = uniqueEmail()
	})

	It("registers, logs in, resets the password and logs out", func() {
		status, body := c.do(http.MethodPost, "/users", credentials(email, "first-pass"))
		Expect(status).To(Equal(http.StatusOK))
		Expect(body).To(HaveKeyWithValue("message", "user created"))

		status, body = c.do(http.MethodPost, "/users", credentials(email, "other"))
		Expect(status).To(Equal(http.StatusBadRequest))
		Expect(body).To(HaveKeyWithValue("message", "email already registered"))

		status, _ = c.do(http.MethodPost, "/sessions", credentials(email, "wrong"))
		Expect(status).To(Equal(http.StatusUnauthorized))

		status, _ = c.do(http.MethodPost, "/sessions", credentials(email, "first-pass"))
		Expect(status).To(Equal(http.StatusOK))

		status, body = c.do(http.MethodGet, "/profile", nil)
		Expect(status).To(Equal(http.StatusOK))
		Expect(body).To(HaveKeyWithValue("email", email))

		status, body = c.do(http.MethodPost, "/reset_password", url.Values{"email": {email}})
		Expect(status).To(Equal(http.StatusOK))
		token, ok := body["reset_token"].(string)
		Expect(ok).To(BeTrue())
		Expect(token).NotTo(BeEmpty())

		update := url.Values{"email": {email}, "reset_token": {token}, "new_password": {"second-pass"}}
		status, body = c.do(http.MethodPut, "/reset_password", update)
		Expect(status).To(Equal(http.StatusOK))
		Expect(body).To(HaveKeyWithValue("message", "Password updated"))

		By("rejecting the consumed reset token")
		status, _ = c.do(http.MethodPut, "/reset_password", update)
		Expect(status).To(Equal(http.StatusForbidden))

		By("accepting only the new password")
		status, _ = c.do(http.MethodPost, "/sessions", credentials(email, "first-pass"))
		Expect(status).To(Equal(http.StatusUnauthorized))
		status, _ = c.do(http.MethodPost, "/sessions", credentials(email, "second-pass"))
		Expect(status).To(Equal(http.StatusOK))

		status, _ = c.do(http.MethodDelete, "/sessions", nil)
		Expect(status).To(Equal(http.StatusFound))

		status, _ = c.do(http.MethodGet, "/profile", nil)
		Expect(status).To(Equal(http.StatusForbidden))
	})

	It("supersedes the previous session on a second login", func() {
		Expect(first(c.do(http.MethodPost, "/users", credentials(email, "pw")))).To(Equal(http.StatusOK))

		laptop, phone := newClient(), newClient()
		Expect(first(laptop.do(http.MethodPost, "/sessions", credentials(email, "pw")))).To(Equal(http.StatusOK))
		Expect(first(phone.do(http.MethodPost, "/sessions", credentials(email, "pw")))).To(Equal(http.StatusOK))

		Expect(first(laptop.do(http.MethodGet, "/profile", nil))).To(Equal(http.StatusForbidden))
		Expect(first(phone.do(http.MethodGet, "/profile", nil))).To(Equal(http.StatusOK))
	})

	It("rejects a reset request for an unknown email", func() {
		status, _ := c.do(http.MethodPost, "/reset_password", url.Values{"email": {email}})
		Expect(status).To(Equal(http.StatusForbidden))
	})

	It("registers a contended email exactly once", func() {
		const attempts = 4
		statuses := make(chan int, attempts)
		var wg sync.WaitGroup
		for range attempts {
			wg.Add(1)
			go func() {
				defer GinkgoRecover()
				defer wg.Done()
				status, _ := newClient().do(http.MethodPost, "/users", credentials(email, "pw"))
				statuses <- status
			}()
		}
		wg.Wait()
		close(statuses)

		counts := map[int]int{}
		for s := range statuses {
			counts[s]++
		}
		Expect(counts).To(Equal(map[int]int{http.StatusOK: 1, http.StatusBadRequest: attempts - 1}))
	})
})

var _ = Describe("Basic-Auth API", func() {
	var email string

	BeforeEach(func() {
		email = uniqueEmail()
		Expect(first(newClient().do(http.MethodPost, "/users", credentials(email, "pw")))).To(Equal(http.StatusOK))
	})

	basic := func(user, pass string) func(*http.Request) {
		return func(r *http.Request) { r.SetBasicAuth(user, pass) }
	}

	It("serves excluded paths without credentials", func() {
		status, body := newClient().do(http.MethodGet, "/api/v1/status", nil)
		Expect(status).To(Equal(http.StatusOK))
		Expect(body).To(HaveKeyWithValue("status", "OK"))
	})

	It("returns 401 without a header and 403 for bad credentials", func() {
		Expect(first(newClient().do(http.MethodGet, "/api/v1/users/me", nil))).To(Equal(http.StatusUnauthorized))
		Expect(first(newClient().do(http.MethodGet, "/api/v1/users/me", nil, basic(email, "nope")))).To(Equal(http.StatusForbidden))
	})

	It("resolves the current account from credentials", func() {
		status, body := newClient().do(http.MethodGet, "/api/v1/users/me", nil, basic(email, "pw"))
		Expect(status).To(Equal(http.StatusOK))
		Expect(body).To(HaveKeyWithValue("email", email))
		Expect(body).To(HaveKey("id"))
	})
})

func first(status int, _ map[string]any) int {
	return status
}
