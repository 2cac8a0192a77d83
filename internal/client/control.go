package client

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// controlClient is an unexported concrete implementation of Control.
type controlClient struct {
	*HTTPClient
}

// NewControl creates a Control implementation for the stats address of a
// running master. A bare host:port is assumed to be plain HTTP.
//
// The concrete returned type is unexported; callers work with the Control
// interface.
func NewControl(addr, token string) Control {
	if !strings.Contains(addr, "://") {
		addr = "http://" + addr
	}
	return &controlClient{HTTPClient: NewHTTPClient(addr, token)}
}

func (c *controlClient) Health() error {
	if _, err := c.DoReq("GET", "/health", nil, nil); err != nil {
		return fmt.Errorf("health: %w", err)
	}
	return nil
}

func (c *controlClient) Status() (*StatusInfo, error) {
	resp, err := c.DoReq("GET", "/status", nil, nil)
	if err != nil {
		return nil, fmt.Errorf("get status: %w", err)
	}
	var info StatusInfo
	if err := json.Unmarshal(resp.Bytes(), &info); err != nil {
		return nil, fmt.Errorf("get status: failed to unmarshal response: %w", err)
	}
	return &info, nil
}

func (c *controlClient) Reload() error {
	if _, err := c.DoReq("POST", "/reload", nil, nil); err != nil {
		return fmt.Errorf("reload: %w", err)
	}
	return nil
}

func (c *controlClient) Stop() error {
	if _, err := c.DoReq("POST", "/stop", nil, nil); err != nil {
		return fmt.Errorf("stop: %w", err)
	}
	return nil
}

func (c *controlClient) Trigger(req *TriggerRequest) (*TriggerAccepted, error) {
	resp, err := c.DoReq("POST", "/pipelines", req, nil)
	if err != nil {
		return nil, fmt.Errorf("trigger pipeline for ref '%s': %w", req.Ref, err)
	}
	var accepted TriggerAccepted
	if err := json.Unmarshal(resp.Bytes(), &accepted); err != nil {
		return nil, fmt.Errorf("trigger pipeline: failed to unmarshal response: %w", err)
	}
	return &accepted, nil
}

func (c *controlClient) GetRun(id string) (*RunInfo, error) {
	resp, err := c.DoReq("GET", fmt.Sprintf("/pipelines/%s", id), nil, nil)
	if err != nil {
		return nil, fmt.Errorf("get run '%s': %w", id, err)
	}
	var run RunInfo
	if err := json.Unmarshal(resp.Bytes(), &run); err != nil {
		return nil, fmt.Errorf("get run '%s': failed to unmarshal response: %w", id, err)
	}
	return &run, nil
}

func (c *controlClient) ListRuns(limit int) (*RunList, error) {
	var params map[string]string
	if limit > 0 {
		params = map[string]string{"limit": strconv.Itoa(limit)}
	}
	resp, err := c.DoReq("GET", "/pipelines", nil, params)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	var list RunList
	if err := json.Unmarshal(resp.Bytes(), &list); err != nil {
		return nil, fmt.Errorf("list runs: failed to unmarshal response: %w", err)
	}
	return &list, nil
}
