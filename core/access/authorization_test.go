package access

import (
	"context"
	"testing"
)

func TestAuthorization_PrimaryGroup(t *testing.T) {

	auth := &Authorization{
		Name:   "alice",
		Groups: []string{"unibe", "crth"},
	}
	if auth.PrimaryGroup() != "unibe" {
		t.Fatal("primary group should be the first group")
	}
	if !auth.HasMultipleGroups() {
		t.Fatal("two groups should count as multiple")
	}
	if auth.IsAdmin() {
		t.Fatal("alice is not an admin")
	}

	auth = &Authorization{Name: "nobody"}
	if auth.PrimaryGroup() != "" {
		t.Fatal("no groups should yield an empty primary group")
	}
	if auth.HasMultipleGroups() {
		t.Fatal("no groups is not multiple groups")
	}

	auth = nil
	if auth.PrimaryGroup() != "" {
		t.Fatal("nil authorization should yield an empty primary group")
	}
	if auth.IsAdmin() {
		t.Fatal("nil authorization is not an admin")
	}
}

func TestAuthorization_Admin(t *testing.T) {

	auth := &Authorization{
		Name:   "root",
		Groups: []string{AdminGroup, "unibe"},
	}
	if !auth.IsAdmin() {
		t.Fatal("admin group should grant admin")
	}

	// admin must be the primary group, not just any group
	auth = &Authorization{
		Name:   "bob",
		Groups: []string{"unibe", AdminGroup},
	}
	if auth.IsAdmin() {
		t.Fatal("admin as secondary group should not grant admin")
	}
}

func TestAuthorization_Context(t *testing.T) {

	auth := &Authorization{
		Name:   "alice",
		Groups: []string{"unibe"},
	}

	ctx := ContextWithAuthorization(context.Background(), auth)
	got := AuthorizationFromContext(ctx)
	if got == nil || got.Name != "alice" || got.PrimaryGroup() != "unibe" {
		t.Fatal("authorization lost in context round trip")
	}

	if AuthorizationFromContext(context.Background()) != nil {
		t.Fatal("empty context should carry no authorization")
	}
}

func TestAuthorizationCache(t *testing.T) {

	cache := NewAuthorizationCache()
	if cache.Read("token") != nil {
		t.Fatal("cache should start empty")
	}

	auth := &Authorization{Name: "alice", Groups: []string{"unibe"}}
	cache.Write("token", auth)

	got := cache.Read("token")
	if got == nil || got.Name != "alice" {
		t.Fatal("cache did not return the stored authorization")
	}
	if cache.Read("other") != nil {
		t.Fatal("cache should not return an authorization for another token")
	}
}
