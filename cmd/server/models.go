package main

// API request and response models.

// PackToggleRequest is the body for pack install/uninstall.
type PackToggleRequest struct {
	Scope string `json:"scope"`
}

// PackToggleResponse reports how many member rules an install or uninstall
// flipped.
type PackToggleResponse struct {
	PackID       string `json:"packId"`
	Scope        string `json:"scope"`
	RulesToggled int    `json:"rulesToggled"`
}

// DecisionRequest is the body for approval review/approve/reject. Review
// reads ReviewerID, the decision endpoints read ApproverID.
type DecisionRequest struct {
	ReviewerID string `json:"reviewerId,omitempty"`
	ApproverID string `json:"approverId,omitempty"`
	Reason     string `json:"reason"`
}
