package callback

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	commonerrors "github.com/ronanzhan/servicecomb-saga/pkg/errors"
	"github.com/ronanzhan/servicecomb-saga/pkg/logger"
	"github.com/ronanzhan/servicecomb-saga/pkg/saga"
	"github.com/ronanzhan/servicecomb-saga/pkg/tracing"
)

const (
	CompensationPath       = "/compensations"
	defaultCompensateLimit = 5 * time.Second
)

// CompensationRequest is posted to the omega that owns the step.
type CompensationRequest struct {
	SagaID             string `json:"sagaId"`
	StepID             string `json:"stepId"`
	ParentStepID       string `json:"parentStepId,omitempty"`
	ServiceName        string `json:"serviceName"`
	InstanceID         string `json:"instanceId"`
	CompensationMethod string `json:"compensationMethod"`
	Payloads           []byte `json:"payloads,omitempty"`
}

// HTTPCompensator dispatches compensations to omegas over HTTP.
type HTTPCompensator struct {
	registry Registry
	client   *http.Client
	token    string
	log      *logger.Logger
}

func NewHTTPCompensator(registry Registry, timeout time.Duration, token string, log *logger.Logger) *HTTPCompensator {
	if timeout <= 0 {
		timeout = defaultCompensateLimit
	}
	if log == nil {
		log = logger.Nop()
	}
	return &HTTPCompensator{
		registry: registry,
		client:   &http.Client{Timeout: timeout},
		token:    token,
		log:      log.WithComponent("compensator"),
	}
}

func (c *HTTPCompensator) Compensate(ctx context.Context, started saga.Event) error {
	omega, err := c.registry.Lookup(ctx, started.ServiceName, started.InstanceID)
	if err != nil {
		return err
	}
	if omega.InstanceID != started.InstanceID {
		c.log.WithContext(ctx).Infof("original instance gone, using another", map[string]interface{}{
			"service":  started.ServiceName,
			"original": started.InstanceID,
			"instance": omega.InstanceID,
		})
	}

	body, err := json.Marshal(CompensationRequest{
		SagaID:             started.SagaID,
		StepID:             started.StepID,
		ParentStepID:       started.ParentStepID,
		ServiceName:        started.ServiceName,
		InstanceID:         started.InstanceID,
		CompensationMethod: started.CompensationMethod,
		Payloads:           started.Payloads,
	})
	if err != nil {
		return fmt.Errorf("marshal compensation: %w", err)
	}

	url := strings.TrimRight(omega.Address, "/") + CompensationPath
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("X-Internal-Token", c.token)
	}
	tracing.InjectHTTP(ctx, req)

	resp, err := c.client.Do(req)
	if err != nil {
		return commonerrors.Newf(commonerrors.CodeCompensationFailed, "call %s: %v", omega.InstanceID, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return commonerrors.Newf(commonerrors.CodeCompensationFailed, "omega %s returned status %d", omega.InstanceID, resp.StatusCode)
	}
	return nil
}
