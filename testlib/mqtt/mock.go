// Copyright 2025 SAP SE
// SPDX-License-Identifier: Apache-2.0

package mqtt

import (
	"sync"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
)

// Message recorded by the mock mqtt client.
type MockMessage struct {
	Topic   string
	Payload any
}

// Mock mqtt client that records published messages and can be used for testing.
type MockClient struct {
	mutex     sync.Mutex
	Published []MockMessage
}

func (m *MockClient) Publish(topic string, payload any) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.Published = append(m.Published, MockMessage{Topic: topic, Payload: payload})
}

// Get the published messages for the given topic.
func (m *MockClient) PublishedTo(topic string) []MockMessage {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	var messages []MockMessage
	for _, message := range m.Published {
		if message.Topic == topic {
			messages = append(messages, message)
		}
	}
	return messages
}

func (m *MockClient) Connect() error {
	return nil
}

func (m *MockClient) Disconnect() {
	// Do nothing
}

func (m *MockClient) Subscribe(topic string, callback pahomqtt.MessageHandler) error {
	return nil
}
