// Copyright 2019 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package drive

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/sirupsen/logrus"
	"google.golang.org/api/option"

	"github.com/matta/mealmail/internal/archive"
)

type fakeDrive struct {
	bodies [][]byte
	status int
}

func (f *fakeDrive) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost || !strings.HasSuffix(r.URL.Path, "/files") {
		http.NotFound(w, r)
		return
	}
	if f.status != 0 {
		http.Error(w, `{"error":{"code":403,"message":"forbidden"}}`, f.status)
		return
	}
	body, _ := io.ReadAll(r.Body)
	f.bodies = append(f.bodies, body)
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{
		"id":          "f1",
		"name":        "lunch.jpg",
		"webViewLink": "https://drive.google.com/file/d/f1/view",
	})
}

func newTestStore(t *testing.T, f *fakeDrive, folder string) *Store {
	t.Helper()
	srv := httptest.NewServer(f)
	t.Cleanup(srv.Close)
	quiet := logrus.New()
	quiet.SetOutput(io.Discard)
	s, err := New(context.Background(), srv.Client(), folder, quiet, option.WithEndpoint(srv.URL+"/"))
	if err != nil {
		t.Fatalf("New() = %v, want nil", err)
	}
	return s
}

func TestPut(t *testing.T) {
	f := &fakeDrive{}
	s := newTestStore(t, f, "folder-1")
	data := []byte("\xff\xd8\xffjpeg bytes")

	ref, err := s.Put(context.Background(), "lunch.jpg", "image/jpeg", data)
	if err != nil {
		t.Fatalf("Put() = %v, want nil", err)
	}
	want := archive.Ref{URL: "https://drive.google.com/file/d/f1/view", Name: "lunch.jpg"}
	if diff := cmp.Diff(want, ref); diff != "" {
		t.Errorf("Put() mismatch (-want +got):\n%s", diff)
	}
	if len(f.bodies) != 1 {
		t.Fatalf("got %d uploads, want 1", len(f.bodies))
	}
	for _, part := range [][]byte{data, []byte(`"folder-1"`), []byte(`"lunch.jpg"`)} {
		if !bytes.Contains(f.bodies[0], part) {
			t.Errorf("upload body does not contain %q", part)
		}
	}
}

func TestPutFailure(t *testing.T) {
	s := newTestStore(t, &fakeDrive{status: http.StatusForbidden}, "")
	if _, err := s.Put(context.Background(), "a.png", "image/png", []byte("png")); err == nil {
		t.Errorf("Put() = nil, want an error")
	}
}
