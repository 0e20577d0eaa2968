package client

import (
	"net/http"
	"os"
	"testing"

	"github.com/goccy/go-json"
	"github.com/gorilla/mux"

	"github.com/omicsdm/server/core/access"
)

func TestMain(m *testing.M) {
	code := m.Run()
	os.Exit(code)
}

func TestClientAuthorization(t *testing.T) {

	router := mux.NewRouter()
	router.HandleFunc("/whoami", func(w http.ResponseWriter, r *http.Request) {
		auth := access.AuthorizationFromContext(r.Context())
		if auth == nil {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		jsonData, _ := json.Marshal(auth)
		w.Write(jsonData)
	}).Methods(http.MethodGet)

	client := NewWithRouter(router)

	status, err := client.RawGet("/whoami", nil)
	if err == nil || status != http.StatusUnauthorized {
		t.Fatal("request without authorization should be unauthorized, got:", status)
	}

	var auth access.Authorization
	status, err = client.WithGroups("alice", "unibe").RawGet("/whoami", &auth)
	if err != nil {
		t.Fatal(err)
	}
	if status != http.StatusOK || auth.Name != "alice" || auth.PrimaryGroup() != "unibe" {
		t.Fatal("authorization did not travel with the request")
	}

	status, err = client.WithAdminAuthorization().RawGet("/whoami", &auth)
	if err != nil {
		t.Fatal(err)
	}
	if !auth.IsAdmin() {
		t.Fatal("admin client should carry an admin authorization")
	}
}

func TestClientPost(t *testing.T) {

	router := mux.NewRouter()
	router.HandleFunc("/echo", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]interface{}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		jsonData, _ := json.Marshal(body)
		w.Write(jsonData)
	}).Methods(http.MethodPost)

	client := NewWithRouter(router)

	var result map[string]interface{}
	status, err := client.RawPost("/echo", map[string]interface{}{"message": "hello"}, &result)
	if err != nil {
		t.Fatal(err)
	}
	if status != http.StatusOK || result["message"] != "hello" {
		t.Fatal("unexpected echo result:", result)
	}
}
