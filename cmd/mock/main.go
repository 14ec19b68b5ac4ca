package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"time"

	gpiocontrol "github.com/hubertat/gpiocontrol"
	"github.com/hubertat/gpiocontrol/api"
	"github.com/hubertat/gpiocontrol/drivers"
)

var (
	Version string
	Build   string
)

func main() {
	log.Println("gpiocontrol started")
	log.Println("mock instance for testing purposes, should work on MacOs")

	kit := &gpiocontrol.Kit{
		Name: "mock",
		Mock: &drivers.MockIO{},
		Channels: []gpiocontrol.ChannelConfig{
			{
				Name:           "fake relay",
				Pin:            4,
				ActiveMode:     gpiocontrol.ActiveHigh,
				DefaultState:   gpiocontrol.DefaultOff,
				SwitchPin:      17,
				ExternalSwitch: gpiocontrol.NormallyOpen,
			},
			{
				Name:           "fake pump",
				Pin:            5,
				ActiveMode:     gpiocontrol.ActiveLow,
				DefaultState:   gpiocontrol.DefaultOn,
				SwitchPin:      -1,
				ExternalSwitch: gpiocontrol.SwitchNone,
			},
		},
		HkPin:       "88008800",
		HkDirectory: "./mock_homekit",
	}

	err := kit.Init(context.Background())
	defer kit.Close()
	if err != nil {
		panic(err)
	}

	kit.AddNotifier(gpiocontrol.NotifierFunc(func(n gpiocontrol.StateNotification) {
		log.Printf("[notify] channel %d -> %s\n", n.ID, n.State)
	}))

	log.Println("driver OK! building channels...")
	kit.Start()
	kit.PrintIoStatus(os.Stdout)

	httpServer := &http.Server{Addr: ":5000", Handler: api.NewServer(kit, api.TokenAuth{}, nil)}
	go func() {
		log.Println("command api listening on :5000")
		serveErr := httpServer.ListenAndServe()
		if serveErr != nil && serveErr != http.ErrServerClosed {
			log.Fatalf("api server failed: %v", serveErr)
		}
	}()

	// Wiggle the fake wall switch so events flow without hardware. The
	// normally open wiring idles high, engaging pulls the line low.
	go func() {
		engaged := false
		for range time.Tick(3 * time.Second) {
			engaged = !engaged
			kit.Mock.SetInputLevel(17, !engaged)
		}
	}()

	log.Println("starting mock with HomeKit service")

	go kit.StartTicker(time.Second)
	log.Fatal(kit.StartHomeKit(context.Background(), "mock: "+Version))
}
