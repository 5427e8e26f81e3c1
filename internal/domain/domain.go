package domain

// UnknownActor is recorded as modifiedBy when a mutation carries no actor.
const UnknownActor = "Unknown"

// CompositeKey identifies one completion status. ScopeID is optional.
type CompositeKey struct {
	ActionID  string `json:"actionId"`
	AssetID   string `json:"assetId"`
	ScopeID   string `json:"scopeId,omitempty"`
	ControlID string `json:"controlId"`
	FamilyID  string `json:"familyId"`
}

// Missing returns the json names of the mandatory key fields that are empty.
func (k CompositeKey) Missing() []string {
	var missing []string
	if k.ActionID == "" {
		missing = append(missing, "actionId")
	}
	if k.AssetID == "" {
		missing = append(missing, "assetId")
	}
	if k.ControlID == "" {
		missing = append(missing, "controlId")
	}
	if k.FamilyID == "" {
		missing = append(missing, "familyId")
	}
	return missing
}

// Changes maps a json field name to its new value.
type Changes map[string]any

type HistoryEntry struct {
	// Seq is the row id once persisted; zero means not yet written.
	Seq        int64   `json:"-"`
	ModifiedAt string  `json:"modifiedAt" format:"date-time"`
	ModifiedBy string  `json:"modifiedBy"`
	Changes    Changes `json:"changes"`
}

type CompletionStatus struct {
	ID                 string         `json:"id"`
	ActionID           string         `json:"actionId"`
	AssetID            string         `json:"assetId"`
	ScopeID            *string        `json:"scopeId"`
	ControlID          string         `json:"controlId"`
	FamilyID           string         `json:"familyId"`
	IsCompleted        bool           `json:"isCompleted"`
	IsEvidenceUploaded bool           `json:"isEvidenceUploaded"`
	CreatedBy          string         `json:"createdBy,omitempty"`
	AssignedBy         string         `json:"AssignedBy,omitempty"`
	AssignedTo         string         `json:"AssignedTo,omitempty"`
	ReviewedBy         string         `json:"reviewedBy,omitempty"`
	Status             Status         `json:"status,omitempty"`
	Action             string         `json:"action,omitempty"`
	Feedback           *string        `json:"feedback"`
	CompletedAt        *string        `json:"completedAt" format:"date-time"`
	CreatedAt          string         `json:"createdAt" format:"date-time"`
	UpdatedAt          string         `json:"updatedAt" format:"date-time"`
	History            []HistoryEntry `json:"history"`
}

// Key returns the composite natural key of the status.
func (s CompletionStatus) Key() CompositeKey {
	k := CompositeKey{
		ActionID:  s.ActionID,
		AssetID:   s.AssetID,
		ControlID: s.ControlID,
		FamilyID:  s.FamilyID,
	}
	if s.ScopeID != nil {
		k.ScopeID = *s.ScopeID
	}
	return k
}

// ActorRef is an actor id resolved to display fields.
type ActorRef struct {
	ID       string `json:"id"`
	Username string `json:"username,omitempty"`
	Role     string `json:"role,omitempty"`
}

type HistoryEntryView struct {
	ModifiedAt string    `json:"modifiedAt" format:"date-time"`
	ModifiedBy *ActorRef `json:"modifiedBy"`
	Changes    Changes   `json:"changes"`
}

// CompletionStatusView is a status with its actor references resolved.
type CompletionStatusView struct {
	ID                 string             `json:"id"`
	ActionID           string             `json:"actionId"`
	AssetID            string             `json:"assetId"`
	ScopeID            *string            `json:"scopeId"`
	ControlID          string             `json:"controlId"`
	FamilyID           string             `json:"familyId"`
	IsCompleted        bool               `json:"isCompleted"`
	IsEvidenceUploaded bool               `json:"isEvidenceUploaded"`
	CreatedBy          *ActorRef          `json:"createdBy,omitempty"`
	AssignedBy         *ActorRef          `json:"AssignedBy,omitempty"`
	AssignedTo         *ActorRef          `json:"AssignedTo,omitempty"`
	ReviewedBy         *ActorRef          `json:"reviewedBy,omitempty"`
	Status             Status             `json:"status,omitempty"`
	Action             string             `json:"action,omitempty"`
	Feedback           *string            `json:"feedback"`
	CompletedAt        *string            `json:"completedAt" format:"date-time"`
	CreatedAt          string             `json:"createdAt" format:"date-time"`
	UpdatedAt          string             `json:"updatedAt" format:"date-time"`
	History            []HistoryEntryView `json:"history"`
}

// Permissions are the per-user capability flags shown on the user screen.
// They are stored and displayed; enforcement belongs to the auth layer.
type Permissions struct {
	View            bool `json:"view"`
	Add             bool `json:"add"`
	Edit            bool `json:"edit"`
	Delegate        bool `json:"delegate"`
	UploadEvidence  bool `json:"uploadEvidence"`
	ConfirmEvidence bool `json:"confirmEvidence"`
}

type User struct {
	ID          string      `json:"id"`
	Username    string      `json:"username"`
	Role        string      `json:"role" enum:"Admin,Executive,Compliance Team,IT Team,Auditor,External Auditor,user"`
	Permissions Permissions `json:"permissions"`
	CreatedAt   string      `json:"createdAt" format:"date-time"`
	UpdatedAt   string      `json:"updatedAt" format:"date-time"`
}

// Roles lists the accepted user roles.
var Roles = []string{"Admin", "Executive", "Compliance Team", "IT Team", "Auditor", "External Auditor", "user"}

// ValidRole reports whether role is one of Roles.
func ValidRole(role string) bool {
	for _, r := range Roles {
		if r == role {
			return true
		}
	}
	return false
}

// APIKey is an issued key. Only the hash of the secret is kept.
type APIKey struct {
	ID         string  `json:"id"`
	ActorID    string  `json:"actorId"`
	Name       string  `json:"name,omitempty"`
	KeyHash    string  `json:"-"`
	CreatedAt  string  `json:"createdAt" format:"date-time"`
	LastUsedAt *string `json:"lastUsedAt" format:"date-time"`
}

// RiskSummary aggregates completion figures over a set of statuses.
type RiskSummary struct {
	AssetID           string  `json:"assetId,omitempty"`
	Total             int     `json:"total"`
	Completed         int     `json:"completed"`
	EvidenceUploaded  int     `json:"evidenceUploaded"`
	Outstanding       int     `json:"outstanding"`
	RiskScore         float64 `json:"riskScore"`
	RiskLevel         string  `json:"riskLevel" enum:"None,Low,Medium,High"`
	CompletionPercent float64 `json:"completionPercent"`
}

type OverallRisk struct {
	RiskSummary
	Assets []RiskSummary `json:"assets"`
}
