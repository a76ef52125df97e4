package main

import (
	"context"
	"flag"
	"log"
	"net/http"

	"github.com/mastercactapus/grblctl/grbl"
)

func main() {
	log.SetFlags(log.Lshortfile)

	cfgFile := flag.String("config", "", "Path to a YAML config file.")
	port := flag.String("port", "/dev/ttyUSB0", "Serial device path.")
	baud := flag.Int("baud", grbl.DefaultBaudRate, "Serial baud rate.")
	addr := flag.String("addr", ":9091", "Address to bind the HTTP server to.")
	flag.Parse()

	fileCfg, err := loadConfig(*cfgFile)
	if err != nil {
		log.Fatal("config: ", err)
	}
	cfg := fileCfg.session()

	// explicit flags win over the config file
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "port":
			cfg.Address = *port
		case "baud":
			cfg.BaudRate = *baud
		}
	})
	if cfg.Address == "" {
		cfg.Address = *port
	}

	sess, err := grbl.Dial(context.Background(), cfg)
	if err != nil {
		log.Fatal("connect: ", err)
	}
	defer sess.Close()

	api := newAPI(sess)
	log.Println("Controller ready; serving on", *addr)
	err = http.ListenAndServe(*addr, http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "*")
		log.Printf("%s %s - %s", req.Method, req.URL.Path, req.RemoteAddr)
		api.ServeHTTP(w, req)
	}))
	if err != nil {
		log.Fatal(err)
	}
}
