package lifecycle

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/goliatone/go-integration-gateway/core"
	"github.com/goliatone/go-integration-gateway/workflow"
)

// Run state keys. Sealed credentials are kept encrypted between steps and
// removed once persisted.
const (
	stateConnectionID = "connection_id"
	stateTenantID     = "tenant_id"
	stateProvider     = "provider"
	stateCode         = "code"
	stateRedirectURI  = "redirect_uri"
	stateAccountID    = "external_account_id"
	stateAccountType  = "external_account_type"
	stateResources    = "resources"
	stateSealed       = "sealed_credential"
	stateSealedKeyID  = "sealed_key_id"
	stateExpiresAt    = "credential_expires_at"
	stateReason       = "reason"
)

type resourceState struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
}

func putSealed(run *workflow.Run, sealed core.SealedCredential) {
	run.Set(stateSealed, base64.StdEncoding.EncodeToString(sealed.Ciphertext))
	run.Set(stateSealedKeyID, sealed.KeyID)
	putExpiry(run, sealed.ExpiresAt)
}

func takeSealed(run *workflow.Run, connectionID string) (core.SealedCredential, bool, error) {
	encoded := run.Get(stateSealed)
	if encoded == "" {
		return core.SealedCredential{}, false, nil
	}
	ciphertext, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return core.SealedCredential{}, false, workflow.Permanent(fmt.Errorf("lifecycle: decode sealed credential: %w", err))
	}
	expiresAt, err := expiryFrom(*run)
	if err != nil {
		return core.SealedCredential{}, false, err
	}
	return core.SealedCredential{
		ConnectionID: connectionID,
		Ciphertext:   ciphertext,
		KeyID:        run.Get(stateSealedKeyID),
		ExpiresAt:    expiresAt,
		Version:      1,
	}, true, nil
}

func clearSealed(run *workflow.Run) {
	delete(run.State, stateSealed)
	delete(run.State, stateSealedKeyID)
}

func putExpiry(run *workflow.Run, expiresAt *time.Time) {
	if expiresAt == nil || expiresAt.IsZero() {
		delete(run.State, stateExpiresAt)
		return
	}
	run.Set(stateExpiresAt, strconv.FormatInt(expiresAt.UTC().Unix(), 10))
}

func expiryFrom(run workflow.Run) (*time.Time, error) {
	raw := strings.TrimSpace(run.Get(stateExpiresAt))
	if raw == "" {
		return nil, nil
	}
	unix, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return nil, workflow.Permanent(fmt.Errorf("lifecycle: invalid credential expiry %q", raw))
	}
	at := time.Unix(unix, 0).UTC()
	return &at, nil
}

func putResources(run *workflow.Run, resources []core.Resource) error {
	if len(resources) == 0 {
		return nil
	}
	out := make([]resourceState, 0, len(resources))
	for _, resource := range resources {
		id := strings.TrimSpace(resource.ExternalResourceID)
		if id == "" {
			continue
		}
		out = append(out, resourceState{ID: id, Name: resource.DisplayName})
	}
	encoded, err := json.Marshal(out)
	if err != nil {
		return err
	}
	run.Set(stateResources, string(encoded))
	return nil
}

func resourcesFrom(run workflow.Run) ([]core.Resource, error) {
	raw := run.Get(stateResources)
	if raw == "" {
		return nil, nil
	}
	var decoded []resourceState
	if err := json.Unmarshal([]byte(raw), &decoded); err != nil {
		return nil, workflow.Permanent(fmt.Errorf("lifecycle: decode resources: %w", err))
	}
	out := make([]core.Resource, 0, len(decoded))
	for _, resource := range decoded {
		out = append(out, core.Resource{ExternalResourceID: resource.ID, DisplayName: resource.Name})
	}
	return out, nil
}
