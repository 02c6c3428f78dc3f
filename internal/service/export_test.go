package service

import "time"

var BackoffDelay = backoffDelay

func (o *Orchestrator) SetSleep(f func(time.Duration)) { o.sleep = f }

func (o *Orchestrator) SetJitter(f func(int64) int64) { o.jitter = f }
