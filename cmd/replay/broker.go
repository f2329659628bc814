package main

import (
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/fastyrai/turingagents/pkg/broker"
	"github.com/fastyrai/turingagents/pkg/configuration"
)

func connectBroker(log *logrus.Entry) (*broker.Broker, error) {
	b, err := broker.Connect(configuration.Use().Broker.URL, log)
	if err != nil {
		return nil, fmt.Errorf("broker connect failed: %w", err)
	}
	return b, nil
}
