// Package client talks to resvd over HTTP, signing each request with the
// shared HMAC key.
package client

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"os/user"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/opentorque/resv/internal/api"
	"github.com/opentorque/resv/internal/auth"
	"github.com/opentorque/resv/internal/resv"
)

const (
	defaultServer  = "localhost"
	defaultPort    = 6820
	defaultHome    = "/var/spool/resvd"
	requestTimeout = 30 * time.Second
)

// Client is an authenticated connection to resvd.
type Client struct {
	base string
	user string
	key  []byte
	http *http.Client
	now  func() time.Time
}

// Error is a failed request as reported by the daemon.
type Error struct {
	Status  int
	Code    int
	Message string
}

func (e *Error) Error() string {
	if e.Code > 1 {
		return fmt.Sprintf("%s (code=%d)", e.Message, e.Code)
	}
	return e.Message
}

// New creates a client for server, or the server named by RESVD_SERVER or
// <home>/server_name when empty. The key is read from the home directory
// named by RESVD_HOME.
func New(server string) (*Client, error) {
	home := os.Getenv("RESVD_HOME")
	if home == "" {
		home = defaultHome
	}
	if server == "" {
		server = resolveServer(home)
	}
	u, err := user.Current()
	if err != nil {
		return nil, errors.Wrap(err, "get current user")
	}
	key, err := auth.LoadKey(home)
	if err != nil {
		return nil, err
	}
	return NewWithKey(server, u.Username, key), nil
}

// NewWithKey creates a client for server acting as user.
func NewWithKey(server, user string, key []byte) *Client {
	base := server
	if !strings.Contains(base, "://") {
		host, port := server, strconv.Itoa(defaultPort)
		if h, p, err := net.SplitHostPort(server); err == nil {
			host, port = h, p
		}
		base = "http://" + net.JoinHostPort(host, port)
	}
	return &Client{
		base: strings.TrimRight(base, "/"),
		user: user,
		key:  key,
		http: &http.Client{Timeout: requestTimeout},
		now:  time.Now,
	}
}

// User returns the user requests are signed for.
func (c *Client) User() string {
	return c.user
}

// ShowReservations lists the reservations visible to the caller.
func (c *Client) ShowReservations() ([]resv.Info, error) {
	var out []resv.Info
	err := c.do(http.MethodGet, "/v1/reservations", nil, &out)
	return out, err
}

// GetReservation fetches one reservation by name.
func (c *Client) GetReservation(name string) (*resv.Info, error) {
	var out resv.Info
	if err := c.do(http.MethodGet, "/v1/reservations/"+url.PathEscape(name), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// CreateReservation creates a reservation and returns it as stored.
func (c *Client) CreateReservation(d *resv.Desc) (*resv.Info, error) {
	var out resv.Info
	if err := c.do(http.MethodPost, "/v1/reservations", d, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// UpdateReservation modifies the reservation d names.
func (c *Client) UpdateReservation(d *resv.Desc) (*resv.Info, error) {
	var out resv.Info
	if err := c.do(http.MethodPut, "/v1/reservations/"+url.PathEscape(d.Name), d, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// DeleteReservation removes a reservation.
func (c *Client) DeleteReservation(name string) error {
	return c.do(http.MethodDelete, "/v1/reservations/"+url.PathEscape(name), nil, nil)
}

// SubmitJob registers a job.
func (c *Client) SubmitJob(req *api.JobRequest) (*api.JobInfo, error) {
	var out api.JobInfo
	if err := c.do(http.MethodPost, "/v1/jobs", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// SetJobState moves a job to state (RUNNING, COMPLETED, ...).
func (c *Client) SetJobState(id uint32, state string) (*api.JobInfo, error) {
	var out api.JobInfo
	body := map[string]string{"state": state}
	if err := c.do(http.MethodPut, fmt.Sprintf("/v1/jobs/%d/state", id), body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// TestJob asks whether a job could run at when (zero for now).
func (c *Client) TestJob(id uint32, when time.Time, move bool) (*api.TestResult, error) {
	q := url.Values{}
	if !when.IsZero() {
		q.Set("when", when.Format(time.RFC3339))
	}
	if move {
		q.Set("move", "true")
	}
	path := fmt.Sprintf("/v1/jobs/%d/resv-test", id)
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	var out api.TestResult
	if err := c.do(http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// SetNodeState applies an administrative state to a node.
func (c *Client) SetNodeState(name, state, reason string) error {
	body := map[string]string{"state": state, "reason": reason}
	return c.do(http.MethodPut, "/v1/nodes/"+url.PathEscape(name)+"/state", body, nil)
}

func (c *Client) do(method, path string, in, out interface{}) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return errors.Wrap(err, "encode request")
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, c.base+path, body)
	if err != nil {
		return errors.Wrap(err, "build request")
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	ts := c.now().Unix()
	req.Header.Set(auth.HeaderUser, c.user)
	req.Header.Set(auth.HeaderTimestamp, strconv.FormatInt(ts, 10))
	req.Header.Set(auth.HeaderToken, auth.ComputeToken(c.user, ts, c.key))

	resp, err := c.http.Do(req)
	if err != nil {
		return errors.Wrapf(err, "%s %s", method, path)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return errors.Wrap(err, "read reply")
	}

	if resp.StatusCode >= 300 {
		var reply struct {
			Error string `json:"error"`
			Code  int    `json:"code"`
		}
		_ = json.Unmarshal(data, &reply)
		if reply.Error == "" {
			reply.Error = strings.TrimSpace(string(data))
		}
		return &Error{Status: resp.StatusCode, Code: reply.Code, Message: reply.Error}
	}
	if out == nil || len(data) == 0 {
		return nil
	}
	return errors.Wrap(json.Unmarshal(data, out), "decode reply")
}

// resolveServer finds the daemon address from the environment or the
// server_name file.
func resolveServer(home string) string {
	if s := os.Getenv("RESVD_SERVER"); s != "" {
		return s
	}
	data, err := os.ReadFile(filepath.Join(home, "server_name"))
	if err == nil {
		if s := strings.TrimSpace(string(data)); s != "" {
			return s
		}
	}
	return defaultServer
}
