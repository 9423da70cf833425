package main

import (
	"context"
	"os"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"go.uber.org/fx"
)

func init() {
	gin.SetMode(gin.ReleaseMode)
	if mode := os.Getenv("GIN_MODE"); mode != "" {
		gin.SetMode(mode)
	}
}

func main() {
	app := fx.New(
		infraModule,
		coreModule,
		httpModule,
		fx.NopLogger,
	)

	if err := app.Start(context.Background()); err != nil {
		logrus.WithError(err).Fatal("start app")
	}

	<-app.Done()

	// OnStop 按注册的逆序执行：先停 HTTP，再停消费者，最后关闭连接
	if err := app.Stop(context.Background()); err != nil {
		logrus.WithError(err).Error("stop app")
	}
	logrus.Info("app stopped")
}
