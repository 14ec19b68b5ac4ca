package main

import (
	"context"
	"encoding/json"
	"flag"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hubertat/servicemaker"

	gpiocontrol "github.com/hubertat/gpiocontrol"
	"github.com/hubertat/gpiocontrol/api"
)

const defaultHkSyncInterval = "1s"
const defaultHttpAddr = ":5000"

var (
	Version string
	Build   string

	config      = flag.String("config", "config.json", "path of the configuration file")
	flagInstall = flag.Bool("install", false, "Install service in os")
	httpAddr    = flag.String("http", defaultHttpAddr, "listen address of the command api")
	apiToken    = flag.String("token", "", "token required in the X-Api-Key header, empty disables the check")
	hkSync      = flag.String("hk-sync", defaultHkSyncInterval, "HomeKit resync interval (time.Duration)")

	gpioService = servicemaker.ServiceMaker{
		User:               "gpiocontrol",
		UserGroups:         []string{"gpio"},
		ServicePath:        "/etc/systemd/system/gpiocontrol.service",
		ServiceDescription: "gpiocontrol service: GPIO channel controller with wall switch inputs. github.com/hubertat/gpiocontrol",
		ExecDir:            "/srv/gpiocontrol",
		ExecName:           "gpiocontrold",
	}
)

// fileSettingsStore writes the whole configuration back to the config file
// whenever the host saves new channels.
type fileSettingsStore struct {
	kit  *gpiocontrol.Kit
	path string
}

func (fs *fileSettingsStore) SaveChannels(channels []gpiocontrol.ChannelConfig) error {
	payload, err := json.MarshalIndent(fs.kit, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(fs.path, payload, 0644)
}

func main() {
	log.Printf("gpiocontrol %s started\n", Version)
	flag.Parse()

	if *flagInstall {
		err := gpioService.InstallService()
		if err != nil {
			panic(err)
		} else {
			log.Println("service installed!")
			return
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	hkSyncDuration, err := time.ParseDuration(*hkSync)
	if err != nil {
		panic(err)
	}

	kit := &gpiocontrol.Kit{}
	configFile, err := os.Open(*config)
	if err == nil {
		cBuff, err := io.ReadAll(configFile)
		if err != nil {
			log.Fatalf("failed reading config file: %v\n", err)
		}

		err = json.Unmarshal(cBuff, kit)
		if err != nil {
			log.Fatalf("failed unmarshalling json config: %v", err)
		}
	} else {
		log.Fatalf("can't find/open config file (%s), will terminate. Reason: \n%v\n", *config, err)
	}

	log.Println("will init gpiocontrol kit...")
	err = kit.Init(ctx)
	defer kit.Close()
	if err != nil {
		panic(err)
	}

	log.Println("driver OK! building channels...")
	kit.Start()
	kit.PrintIoStatus(os.Stdout)

	if len(kit.MqttBroker) > 0 {
		err = kit.InitMqtt()
		if err != nil {
			log.Printf("mqtt setup returned error: %v\n we will proceed without mqtt...", err)
		} else {
			log.Println("mqtt OK!")
		}
	}

	store := &fileSettingsStore{kit: kit, path: *config}
	httpServer := &http.Server{
		Addr:    *httpAddr,
		Handler: api.NewServer(kit, api.TokenAuth{Token: *apiToken}, store),
	}
	go func() {
		log.Printf("command api listening on %s\n", *httpAddr)
		serveErr := httpServer.ListenAndServe()
		if serveErr != nil && serveErr != http.ErrServerClosed {
			log.Fatalf("api server failed: %v", serveErr)
		}
	}()

	if len(kit.HkPin) == 8 {
		log.Println("Starting with HomeKit server")

		go kit.StartTicker(hkSyncDuration)
		log.Fatal(kit.StartHomeKit(context.Background(), Version))
	} else {
		log.Println("HomeKit not configured, disabled")

		sigs := make(chan os.Signal, 1)
		signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
		<-sigs

		log.Println("shutting down")
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer shutdownCancel()
		httpServer.Shutdown(shutdownCtx)
	}
}
