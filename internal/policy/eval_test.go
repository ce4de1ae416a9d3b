package policy

import "testing"

func strp(s string) *string { return &s }

func TestAcceptSatisfied(t *testing.T) {
	req := Requirement{Type: KindAccept, Hash: "abc123"}
	ev := NewUserEvidence()
	ev.AcceptedHashes["abc123"] = true
	if !Evaluate(req, ev).IsSatisfied() {
		t.Fatal("expected satisfied")
	}
}

func TestAcceptFailed(t *testing.T) {
	req := Requirement{Type: KindAccept, Hash: "abc123"}
	if Evaluate(req, NewUserEvidence()).IsSatisfied() {
		t.Fatal("expected not satisfied")
	}
}

func TestPresentWithIssuer(t *testing.T) {
	req := Requirement{Type: KindPresent, CredentialType: "github_membership", Issuer: strp("github")}
	ev := NewUserEvidence()
	ev.Credentials = append(ev.Credentials, Credential{"github_membership", "github"})
	if !Evaluate(req, ev).IsSatisfied() {
		t.Fatal("expected satisfied")
	}
}

func TestPresentWrongIssuer(t *testing.T) {
	req := Requirement{Type: KindPresent, CredentialType: "github_membership", Issuer: strp("github")}
	ev := NewUserEvidence()
	ev.Credentials = append(ev.Credentials, Credential{"github_membership", "gitlab"})
	if Evaluate(req, ev).IsSatisfied() {
		t.Fatal("expected not satisfied")
	}
}

func TestPresentAnyIssuer(t *testing.T) {
	req := Requirement{Type: KindPresent, CredentialType: "email"}
	ev := NewUserEvidence()
	ev.Credentials = append(ev.Credentials, Credential{"email", "google"})
	if !Evaluate(req, ev).IsSatisfied() {
		t.Fatal("expected satisfied with nil issuer matching any")
	}
}

func TestProve(t *testing.T) {
	req := Requirement{Type: KindProve, ProofType: "github_repo_write_access"}
	ev := NewUserEvidence()
	ev.Proofs["github_repo_write_access"] = true
	if !Evaluate(req, ev).IsSatisfied() {
		t.Fatal("expected satisfied")
	}
}

func TestAllBothSatisfied(t *testing.T) {
	req := Requirement{Type: KindAll, Requirements: []Requirement{
		{Type: KindAccept, Hash: "rules"},
		{Type: KindProve, ProofType: "kyc"},
	}}
	ev := NewUserEvidence()
	ev.AcceptedHashes["rules"] = true
	ev.Proofs["kyc"] = true
	if !Evaluate(req, ev).IsSatisfied() {
		t.Fatal("expected satisfied")
	}
}

func TestAllOneFails(t *testing.T) {
	req := Requirement{Type: KindAll, Requirements: []Requirement{
		{Type: KindAccept, Hash: "rules"},
		{Type: KindProve, ProofType: "kyc"},
	}}
	ev := NewUserEvidence()
	ev.AcceptedHashes["rules"] = true
	if Evaluate(req, ev).IsSatisfied() {
		t.Fatal("expected not satisfied")
	}
}

func TestAnyFirstSatisfied(t *testing.T) {
	req := Requirement{Type: KindAny, Requirements: []Requirement{
		{Type: KindAccept, Hash: "a"},
		{Type: KindAccept, Hash: "b"},
	}}
	ev := NewUserEvidence()
	ev.AcceptedHashes["a"] = true
	if !Evaluate(req, ev).IsSatisfied() {
		t.Fatal("expected satisfied")
	}
}

func TestAnyNoneSatisfied(t *testing.T) {
	req := Requirement{Type: KindAny, Requirements: []Requirement{
		{Type: KindAccept, Hash: "a"},
		{Type: KindAccept, Hash: "b"},
	}}
	if Evaluate(req, NewUserEvidence()).IsSatisfied() {
		t.Fatal("expected not satisfied")
	}
}

func TestNot(t *testing.T) {
	banned := Requirement{Type: KindAccept, Hash: "banned"}
	req := Requirement{Type: KindNot, Inner: &banned}

	if !Evaluate(req, NewUserEvidence()).IsSatisfied() {
		t.Fatal("expected satisfied: user has not accepted the banned hash")
	}

	ev2 := NewUserEvidence()
	ev2.AcceptedHashes["banned"] = true
	if Evaluate(req, ev2).IsSatisfied() {
		t.Fatal("expected not satisfied: user accepted the banned hash")
	}
}

func TestGithubUseCase(t *testing.T) {
	joinReq := Requirement{Type: KindAccept, Hash: "channel_rules_v1"}
	opReq := Requirement{Type: KindAll, Requirements: []Requirement{
		{Type: KindAccept, Hash: "channel_rules_v1"},
		{Type: KindPresent, CredentialType: "github_membership", Issuer: strp("github")},
	}}

	regular := NewUserEvidence()
	regular.AcceptedHashes["channel_rules_v1"] = true
	if !Evaluate(joinReq, regular).IsSatisfied() {
		t.Fatal("regular user should satisfy join requirement")
	}
	if Evaluate(opReq, regular).IsSatisfied() {
		t.Fatal("regular user should not satisfy op requirement")
	}

	committer := NewUserEvidence()
	committer.AcceptedHashes["channel_rules_v1"] = true
	committer.Credentials = append(committer.Credentials, Credential{"github_membership", "github"})
	if !Evaluate(joinReq, committer).IsSatisfied() {
		t.Fatal("committer should satisfy join requirement")
	}
	if !Evaluate(opReq, committer).IsSatisfied() {
		t.Fatal("committer should satisfy op requirement")
	}
}

func TestValidateDepthLimit(t *testing.T) {
	req := Requirement{Type: KindAccept, Hash: "x"}
	for i := 0; i < 10; i++ {
		inner := req
		req = Requirement{Type: KindNot, Inner: &inner}
	}
	if err := ValidateStructure(req); err == nil {
		t.Fatal("expected depth-limit error for 10 nested NOTs")
	}
}

func TestValidateNodeLimit(t *testing.T) {
	var children []Requirement
	for i := 0; i < 65; i++ {
		children = append(children, Requirement{Type: KindAccept, Hash: "h"})
	}
	req := Requirement{Type: KindAll, Requirements: children}
	if err := ValidateStructure(req); err == nil {
		t.Fatal("expected node-limit error for 65-child ALL")
	}
}

func TestValidateEmptyAll(t *testing.T) {
	req := Requirement{Type: KindAll}
	if err := ValidateStructure(req); err == nil {
		t.Fatal("expected error for empty ALL")
	}
}
