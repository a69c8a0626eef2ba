package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"code.cloudfoundry.org/lager"
	"github.com/18f/aca-domain-broker/azure"
	"github.com/18f/aca-domain-broker/broker"
	"github.com/18f/aca-domain-broker/interfaces"
	le_providers "github.com/18f/aca-domain-broker/le-providers"
	"github.com/18f/aca-domain-broker/managers"
	"github.com/18f/aca-domain-broker/notifications"
	"github.com/18f/aca-domain-broker/types"
	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
	"github.com/jinzhu/gorm"
	_ "github.com/jinzhu/gorm/dialects/postgres"
	"github.com/kelseyhightower/envconfig"
)

func main() {
	run()
}

func run() {
	var runtimeSettings types.RuntimeSettings
	if err := envconfig.Process("", &runtimeSettings); err != nil {
		panic(fmt.Errorf("cannot read environment variables for configuration, %s", err))
	}

	logger := lager.NewLogger("aca-domain-broker")
	logger.RegisterSink(lager.NewPrettySink(os.Stdout, lager.DEBUG))
	logger.RegisterSink(lager.NewPrettySink(os.Stderr, lager.ERROR))
	logger.RegisterSink(lager.NewPrettySink(os.Stderr, lager.FATAL))

	db, err := gorm.Open("postgres", runtimeSettings.DatabaseUrl)
	if err != nil {
		logger.Fatal("db-connect-failure", err)
	}
	defer db.Close()

	credential, err := azidentity.NewDefaultAzureCredential(nil)
	if err != nil {
		logger.Fatal("azure-credential-failure", err)
	}

	platform, err := azure.NewPlatform(&azure.PlatformSettings{
		SubscriptionId: runtimeSettings.SubscriptionId,
		Credential:     credential,
		Logger:         logger,
	})
	if err != nil {
		logger.Fatal("azure-platform-failure", err)
	}

	dnsProvider, err := azure.NewDns(&azure.DnsSettings{
		SubscriptionId: runtimeSettings.SubscriptionId,
		Credential:     credential,
		Logger:         logger,
	})
	if err != nil {
		logger.Fatal("azure-dns-failure", err)
	}

	acmeClient, err := le_providers.NewAcmeClient(&le_providers.AcmeClientSettings{
		DirectoryUrl:  runtimeSettings.AcmeUrl,
		Email:         runtimeSettings.Email,
		AccountKeyPem: runtimeSettings.AcmeAccountKeyPem,
		Logger:        logger,
	})
	if err != nil {
		logger.Fatal("acme-client-failure", err)
	}

	resolver := le_providers.NewDnsResolver(runtimeSettings.Resolvers, logger)

	stateManager, err := managers.NewStateManager(&managers.StateManagerSettings{
		Db:          db,
		AutoMigrate: true,
		Logger:      logger,
	})
	if err != nil {
		logger.Fatal("state-manager-failure", err)
	}

	dnsManager := managers.NewDnsChallengeManager(&managers.DnsChallengeManagerSettings{
		Provider: dnsProvider,
		Resolver: resolver,
		Logger:   logger,
	})

	bindingManager := managers.NewBindingManager(&managers.BindingManagerSettings{
		Platform: platform,
		Provider: dnsProvider,
		Logger:   logger,
	})

	var sink interfaces.NotificationSink
	if runtimeSettings.WebhookUrl != "" {
		sink = notifications.NewWebhookSink(runtimeSettings.WebhookUrl, nil, logger)
	}

	certificateManager, err := managers.NewCertificateManager(&managers.CertificateManagerSettings{
		AcmeClient:     acmeClient,
		Dns:            dnsManager,
		Platform:       platform,
		Binding:        bindingManager,
		State:          stateManager,
		Notifications:  sink,
		Endpoint:       runtimeSettings.Endpoint,
		PreferredChain: runtimeSettings.PreferredChain,
		Logger:         logger,
	})
	if err != nil {
		logger.Fatal("certificate-manager-failure", err)
	}

	renewalManager, err := managers.NewRenewalManager(&managers.RenewalManagerSettings{
		Platform:        platform,
		Certificates:    certificateManager,
		Binding:         bindingManager,
		Endpoint:        runtimeSettings.Endpoint,
		Schedule:        runtimeSettings.Schedule,
		RenewBeforeDays: runtimeSettings.RenewBeforeDays,
		Logger:          logger,
	})
	if err != nil {
		logger.Fatal("renewal-manager-failure", err)
	}
	if err := renewalManager.Start(); err != nil {
		logger.Fatal("renewal-schedule-failure", err)
	}
	defer renewalManager.Stop()

	domainBroker, err := broker.NewBroker(&broker.BrokerSettings{
		Certificates: certificateManager,
		Binding:      bindingManager,
		Platform:     platform,
		Dns:          dnsProvider,
		State:        stateManager,
		Logger:       logger,
	})
	if err != nil {
		logger.Fatal("broker-failure", err)
	}

	// pick up anything a previous process left half-done.
	if err := certificateManager.Resume(context.Background()); err != nil {
		logger.Error("resume-failure", err)
	}

	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)

	srv := http.Server{
		Addr:    fmt.Sprintf(":%s", runtimeSettings.Port),
		Handler: broker.Handler(domainBroker, logger),
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("http-server-error", err)
		}
	}()

	// everything is initialised, mark the start time.
	hostname, _ := os.Hostname()
	procId, err := stateManager.RecordProcStart(hostname, os.Getpid())
	if err != nil {
		logger.Fatal("record-proc-start-failure", err)
	}
	logger.Info("started", lager.Data{"port": runtimeSettings.Port})

	// block forever, until we shut down.
	<-done
	ctx, cancel := context.WithTimeout(context.Background(), time.Second*3)
	defer cancel()

	if err := stateManager.RecordProcStop(procId); err != nil {
		logger.Error("record-proc-stop-failure", err)
	}

	if err := srv.Shutdown(ctx); err != nil {
		logger.Fatal("server-not-stopping-cleanly", err)
	}
	logger.Info("goodbye")
}
