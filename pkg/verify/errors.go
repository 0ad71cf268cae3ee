/*
 *
 *  * Licensed to the Apache Software Foundation (ASF) under one or more
 *  * contributor license agreements.  See the NOTICE file distributed with
 *  * this work for additional information regarding copyright ownership.
 *  * The ASF licenses this file to You under the Apache License, Version 2.0
 *  * (the "License"); you may not use this file except in compliance with
 *  * the License.  You may obtain a copy of the License at
 *  *
 *  *     http://www.apache.org/licenses/LICENSE-2.0
 *  *
 *  * Unless required by applicable law or agreed to in writing, software
 *  * distributed under the License is distributed on an "AS IS" BASIS,
 *  * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 *  * See the License for the specific language governing permissions and
 *  * limitations under the License.
 *
 */

package verify

import (
	"fmt"

	"github.com/pkg/errors"
)

var (
	ErrKeyNotFound   = errors.New("key not found")
	ErrTriggerFailed = errors.New("trigger exited with non-zero status")
	// ErrOutOfOrder is returned when a step is called before the previous one succeeded.
	ErrOutOfOrder = errors.New("verification step out of order")
)

// MismatchError is returned by Assert when the key holds another value.
type MismatchError struct {
	Key  string
	Want string
	Got  string
}

func (e *MismatchError) Error() string {
	return fmt.Sprintf("key %s: want %q, got %q", e.Key, e.Want, e.Got)
}
