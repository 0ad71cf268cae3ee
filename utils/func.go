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

package utils

import (
	"os"
	"runtime/debug"
	"sync"

	"github.com/sirupsen/logrus"
)

// GoWithRecover runs handler in a new goroutine. A panic is logged with its
// stack and, when recoverHandler is set, handed to it in another goroutine.
func GoWithRecover(handler func(), recoverHandler func(r interface{})) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				logrus.WithField("stack", string(debug.Stack())).Errorf("goroutine panic: %v", r)
				if recoverHandler != nil {
					go func() {
						defer func() {
							if p := recover(); p != nil {
								logrus.WithField("stack", string(debug.Stack())).Errorf("recover goroutine panic: %v", p)
							}
						}()
						recoverHandler(r)
					}()
				}
			}
		}()
		handler()
	}()
}

func InArray(in string, array []string) bool {
	for k := range array {
		if in == array[k] {
			return true
		}
	}
	return false
}

var (
	_hostname     string
	_hostnameOnce sync.Once
)

func GetHostname() string {
	_hostnameOnce.Do(func() {
		hostname, err := os.Hostname()
		if err != nil {
			return
		}
		_hostname = hostname
	})
	return _hostname
}
