// Copyright 2016 Gareth Watts
// Licensed under an MIT license
// See the LICENSE file for details

package cmd

import "time"

const (
	maxParallel     = 1000
	defaultParallel = 4
	maxSegments     = 1000
	statsFrequency  = 2 * time.Second
	awsMaxRetries   = 10
)
