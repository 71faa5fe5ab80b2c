package secrets

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"stashbin/cfg"
	"testing"

	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/pkg/errors"
)

func TestEnvResolverFill(t *testing.T) {
	t.Setenv("MONGODB_URI", "mongodb://user:pw@db:27017")
	c := &cfg.Cfg{SecretsProvider: "env", S3SecretAccessKey: cfg.NewSecret("already-set")}
	r, err := New(context.Background(), c)
	if err != nil {
		t.Fatal(err)
	}
	if err := r.Fill(context.Background(), c); err != nil {
		t.Fatalf("Fill: %v", err)
	}
	if c.MongoURI.Value() != "mongodb://user:pw@db:27017" {
		t.Errorf("MongoURI = %q", c.MongoURI.Value())
	}
	if c.S3SecretAccessKey.Value() != "already-set" {
		t.Error("Fill must not replace values that are already configured")
	}
	if _, err := r.Get(context.Background(), "STASHBIN_SURELY_UNSET"); !errors.Is(err, ErrSecretNotFound) {
		t.Errorf("missing env secret err = %v", err)
	}
}

func TestNewRejectsUnknownProvider(t *testing.T) {
	if _, err := New(context.Background(), &cfg.Cfg{SecretsProvider: "gcp"}); err == nil {
		t.Error("unknown provider accepted")
	}
}

func fakeVault(t *testing.T) *httptest.Server {
	t.Helper()
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/v1/sys/health":
			io.WriteString(w, `{"initialized":true,"sealed":false,"standby":false,"version":"1.15.0"}`)
		case "/v1/secret/data/stashbin/s3_secret_access_key":
			io.WriteString(w, `{"data":{"data":{"value":"from-vault"},"metadata":{"version":1}}}`)
		case "/v1/secret/data/stashbin/broken":
			io.WriteString(w, `{"data":{"data":"not-a-map"}}`)
		default:
			w.WriteHeader(http.StatusNotFound)
			io.WriteString(w, `{"errors":[]}`)
		}
	}))
	t.Cleanup(ts.Close)
	return ts
}

func TestVaultProvider(t *testing.T) {
	ts := fakeVault(t)
	vp, err := newVaultProvider(context.Background(), ts.URL, "secret/data/stashbin/")
	if err != nil {
		t.Fatalf("newVaultProvider: %v", err)
	}
	r := &Resolver{provider: vp, name: "vault"}

	got, err := r.Get(context.Background(), "S3_SECRET_ACCESS_KEY")
	if err != nil || got != "from-vault" {
		t.Errorf("Get = %q, %v", got, err)
	}
	if _, err := r.Get(context.Background(), "MONGODB_URI"); !errors.Is(err, ErrSecretNotFound) {
		t.Errorf("missing vault secret err = %v", err)
	}
	if _, err := r.Get(context.Background(), "BROKEN"); err == nil || errors.Is(err, ErrSecretNotFound) {
		t.Errorf("malformed secret should be a hard error, got %v", err)
	}

	c := &cfg.Cfg{}
	if err := r.Fill(context.Background(), c); err != nil {
		t.Fatalf("Fill: %v", err)
	}
	if c.S3SecretAccessKey.Value() != "from-vault" || c.MongoURI.Value() != "" {
		t.Errorf("Fill resolved %q / %q", c.S3SecretAccessKey.Value(), c.MongoURI.Value())
	}
}

func TestAWSProvider(t *testing.T) {
	var asked []string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var in struct{ SecretId string }
		json.NewDecoder(r.Body).Decode(&in)
		asked = append(asked, in.SecretId)
		w.Header().Set("Content-Type", "application/x-amz-json-1.1")
		if in.SecretId != "stashbin/mongodb_uri" {
			w.WriteHeader(http.StatusBadRequest)
			io.WriteString(w, `{"__type":"ResourceNotFoundException","Message":"Secrets Manager can't find the specified secret."}`)
			return
		}
		io.WriteString(w, `{"Name":"stashbin/mongodb_uri","SecretString":"mongodb://from-aws"}`)
	}))
	defer ts.Close()

	ap, err := newAWSProvider(context.Background(), "us-east-1", ts.URL, "stashbin/",
		config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider("AKID", "SECRET", "")),
		config.WithRetryMaxAttempts(1),
	)
	if err != nil {
		t.Fatal(err)
	}
	r := &Resolver{provider: ap, name: "aws"}
	got, err := r.Get(context.Background(), "MONGODB_URI")
	if err != nil || got != "mongodb://from-aws" {
		t.Errorf("Get = %q, %v", got, err)
	}
	if _, err := r.Get(context.Background(), "S3_SECRET_ACCESS_KEY"); !errors.Is(err, ErrSecretNotFound) {
		t.Errorf("missing aws secret err = %v", err)
	}
	if len(asked) != 2 || asked[1] != "stashbin/s3_secret_access_key" {
		t.Errorf("secret ids requested = %v", asked)
	}
}
