// Package queue implements the Message Queue (MQ) abstraction over
// Amazon SQS, the natural sibling of the already-vendored aws-sdk-go-v2
// service family.
package queue

import "encoding/json"

// Action is the top-level discriminator of a message body.
type Action string

const (
	ActionReserve        Action = "reserve"
	ActionCancel         Action = "cancel"
	ActionExtend         Action = "extend"
	ActionEnableJupyter  Action = "enable_jupyter"
	ActionDisableJupyter Action = "disable_jupyter"
	ActionAddUser        Action = "add_user"
	ActionDiskCreate     Action = "disk_create"
	ActionDiskDelete     Action = "disk_delete"
)

// Envelope is the typed representation of a dequeued message: the
// wire-format JSON body, plus the queue metadata RP needs to manage
// visibility and deletion.
type Envelope struct {
	MessageID         string
	ReceiptHandle     string
	ApproximateDeliveries int
	Body              Body
}

// Body mirrors the JSON wire format exactly: one
// top-level "action" field, plus every field any action can carry. Only
// the fields relevant to Body.Action are populated by producers; RP
// validates the subset it needs per action.
type Body struct {
	Action Action `json:"action"`

	ReservationID string `json:"reservation_id,omitempty"`
	DiskName      string `json:"disk_name,omitempty"`
	UserID        string `json:"user_id"`

	// reserve
	GPUType            string            `json:"gpu_type,omitempty"`
	GPUCount           int               `json:"gpu_count,omitempty"`
	InstanceType       string            `json:"instance_type,omitempty"`
	DurationHours      float64           `json:"duration_hours,omitempty"`
	Image              string            `json:"image,omitempty"`
	PreserveEntrypoint bool              `json:"preserve_entrypoint,omitempty"`
	EnvVars            map[string]string `json:"env_vars,omitempty"`
	JupyterEnabled     bool              `json:"jupyter_enabled,omitempty"`
	GithubUser         string            `json:"github_user,omitempty"`
	IsMultinode        bool              `json:"is_multinode,omitempty"`
	TotalNodes         int               `json:"total_nodes,omitempty"`
	NodeIndex          int               `json:"node_index,omitempty"`
	MasterReservationID *string          `json:"master_reservation_id,omitempty"`

	// extend
	Hours float64 `json:"hours,omitempty"`

	// add_user reuses GithubUser as the external identifier to authorize.

	// disk_create / disk_delete
	Name        string `json:"name,omitempty"`
	SizeGiB     int    `json:"size,omitempty"`
	OperationID string `json:"operation_id,omitempty"`
}

// ParseBody unmarshals a raw SQS message body into a Body.
func ParseBody(raw []byte) (Body, error) {
	var b Body
	if err := json.Unmarshal(raw, &b); err != nil {
		return Body{}, err
	}
	return b, nil
}

// MarshalJSON is a small indirection so callers outside this package
// don't need their own encoding/json import just to serialize a Body.
func MarshalJSON(v interface{}) ([]byte, error) { return json.Marshal(v) }
