/*
 * Copyright (c) 2024 Contributors to the Eclipse Foundation
 *
 *  All rights reserved. This program and the accompanying materials
 *  are made available under the terms of the Eclipse Public License v2.0
 *  and Eclipse Distribution License v1.0 which accompany this distribution.
 *
 * The Eclipse Public License is available at
 *    https://www.eclipse.org/legal/epl-2.0/
 *  and the Eclipse Distribution License is available at
 *    http://www.eclipse.org/org/documents/edl-v10.php.
 *
 *  SPDX-License-Identifier: EPL-2.0 OR BSD-3-Clause
 */

package main

import (
	"flag"
	"fmt"
	"time"

	"github.com/charmbracelet/log"
	"github.com/eclipse/paho.golang/paho"
	"github.com/hubertat/gpiocontrol/mqtt"
)

const clientID = "mq-gpc-probe" // Change this to something random if using a public test server

type Handler struct {
	topic string
}

func (h *Handler) MqttSubscribeTopic() string {
	return h.topic
}

func (h *Handler) MqttHandle(pub *paho.Publish) {
	log.Info("received mqtt message", "topic", pub.Topic, "payload", string(pub.Payload))
}

func main() {
	broker := flag.String("broker", "mqtt://127.0.0.1:1883", "mqtt broker url")
	name := flag.String("name", "gpiocontrol", "kit name to watch")
	set := flag.Int("set", -1, "channel id to publish a set message for, watch only when negative")
	state := flag.String("state", "on", "state word published with -set")
	flag.Parse()

	log.SetLevel(log.DebugLevel)

	mc, err := mqtt.NewMqttClient(*broker, clientID)
	if err != nil {
		log.Error("failed to create mqtt client", "error", err)
		return
	}

	stateTopic := fmt.Sprintf("gpiocontrol/%s/state", *name)
	err = mc.Connect([]mqtt.MqttHandler{&Handler{topic: stateTopic}})
	if err != nil {
		log.Error("failed to connect to mqtt broker", "error", err)
		return
	}
	log.Info("mqtt client connected", "watching", stateTopic)

	if *set >= 0 {
		setTopic := fmt.Sprintf("gpiocontrol/%s/set/%d", *name, *set)
		if err := mc.Publish(setTopic, []byte(*state)); err != nil {
			log.Error("failed to publish set message", "topic", setTopic, "error", err)
		} else {
			log.Info("published set message", "topic", setTopic, "state", *state)
		}
	}

	log.Info("sleeping for 10 hours")
	time.Sleep(10 * time.Hour)
}
