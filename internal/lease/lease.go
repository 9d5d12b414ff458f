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

// Package lease provides a run lease held in Redis so that at most one
// process ingests mail at a time.
package lease

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

// DefaultTTL bounds how long a crashed holder blocks other processes.
const DefaultTTL = 10 * time.Minute

// The key is deleted only while it still holds our owner token.
var release = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
else
	return 0
end
`)

// Lease is a named lock with an expiry.  The zero value is not usable;
// use New.
type Lease struct {
	client redis.UniversalClient
	key    string
	owner  string
	ttl    time.Duration
}

// New returns a Lease on key.  Each Lease has its own owner token, so
// two Leases on the same key exclude each other even within a process.
func New(client redis.UniversalClient, key string, ttl time.Duration) *Lease {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Lease{client: client, key: key, owner: uuid.NewString(), ttl: ttl}
}

// Acquire takes the lease.  It returns false without error when
// another owner holds it.
func (l *Lease) Acquire(ctx context.Context) (bool, error) {
	ok, err := l.client.SetNX(ctx, l.key, l.owner, l.ttl).Result()
	if err != nil {
		return false, errors.Wrapf(err, "acquiring lease %s", l.key)
	}
	return ok, nil
}

// Release gives up the lease if it is still ours.  Releasing a lease
// that expired or was never held is not an error.
func (l *Lease) Release(ctx context.Context) error {
	err := release.Run(ctx, l.client, []string{l.key}, l.owner).Err()
	return errors.Wrapf(err, "releasing lease %s", l.key)
}
