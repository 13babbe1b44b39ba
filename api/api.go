package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/gammazero/workerpool"
	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/labstack/gommon/log"

	"razbor.film/config"
	"razbor.film/model"
	"razbor.film/pkg/msgbroker"
	"razbor.film/pkg/utils"
	"razbor.film/pkg/websocket"
	"razbor.film/session"
	"razbor.film/storage"
)

const videoTTL = time.Hour * 24

type API struct {
	echo          *echo.Echo
	config        *config.Config
	storage       storage.Storage
	relay         *Relay
	msgBroker     msgbroker.MessageBroker
	workerPool    *workerpool.WorkerPool
	eventsChannel string
}

func New(c *config.Config, s storage.Storage, mb msgbroker.MessageBroker) *API {
	api := &API{
		echo:          echo.New(),
		config:        c,
		storage:       s,
		relay:         NewRelay(session.NewRegistry(c.StrokeLogLimit), websocket.NewChannels()),
		msgBroker:     mb,
		workerPool:    workerpool.New(c.MaxWorkers),
		eventsChannel: "events:",
	}

	api.echo.HideBanner = true
	api.echo.Use(middleware.CORS())

	api.echo.GET("/", api.ping)
	api.echo.GET("/visits", api.visits)
	api.echo.POST("/video", api.registerVideo)
	api.echo.GET("/video/:videoID", api.getVideo)
	api.echo.PUT("/video/:videoID", api.updateVideo)
	api.echo.Any("/ws", api.websocket)

	return api
}

func (api *API) Start() error {
	err := api.msgBroker.Subscribe(api.eventsChannel+"*", api.handleMessages)
	if err != nil {
		return err
	}
	return api.echo.Start(":" + strconv.Itoa(api.config.HttpPort))
}

func (api *API) Close(ctx context.Context) error {
	api.workerPool.StopWait()
	_ = api.msgBroker.Unsubscribe(api.eventsChannel + "*")
	return api.echo.Shutdown(ctx)
}

// Ping handler
func (api *API) ping(c echo.Context) error {
	_, err := api.storage.IncrVisits()
	if err != nil {
		log.Error(err)
	}
	return c.String(http.StatusOK, "OK")
}

// Returns the visit counter for a date (DD.MM.YY), today by default
func (api *API) visits(c echo.Context) error {
	date := time.Now()
	if param := c.QueryParam("date"); param != "" {
		parsed, err := time.Parse("02.01.06", param)
		if err != nil {
			return echo.NewHTTPError(http.StatusUnprocessableEntity)
		}
		date = parsed
	}

	visits, err := api.storage.GetVisitsByDate(date)
	if err != nil {
		visits = 0
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"date":   date.Format("02.01.06"),
		"visits": visits,
	})
}

// Studied video registration endpoint
func (api *API) registerVideo(c echo.Context) error {
	var video model.Video
	err := c.Bind(&video)
	if err != nil || !video.Valid() {
		if err != nil {
			log.Warn(err)
		}
		return echo.NewHTTPError(http.StatusUnprocessableEntity)
	}

	video.ID, err = api.storage.RegisterVideo(&video, videoTTL)
	if err != nil {
		log.Error(err)
		return echo.NewHTTPError(http.StatusConflict)
	}

	return c.JSON(http.StatusOK, &video)
}

// Updates title and source URL of a registered video
func (api *API) updateVideo(c echo.Context) error {
	var video model.Video
	err := c.Bind(&video)
	if err != nil || !video.Valid() {
		if err != nil {
			log.Warn(err)
		}
		return echo.NewHTTPError(http.StatusUnprocessableEntity)
	}

	video.ID = c.Param("videoID")
	if !api.storage.VideoExist(video.ID) {
		return echo.NewHTTPError(http.StatusNotFound)
	}

	if err = api.storage.UpdateVideo(&video); err != nil {
		log.Error(err)
		return echo.NewHTTPError(http.StatusInternalServerError)
	}
	return c.JSON(http.StatusOK, &video)
}

// Returns studied video data by videoID
func (api *API) getVideo(c echo.Context) error {
	videoID := c.Param("videoID")
	video, err := api.storage.GetVideo(videoID)
	if err != nil {
		log.Info(err)
		return echo.NewHTTPError(http.StatusNotFound)
	}
	return c.JSON(http.StatusOK, video)
}

// Endpoint to establish websocket connection
func (api *API) websocket(c echo.Context) error {
	conn, _, _, err := ws.UpgradeHTTP(c.Request(), c.Response())
	if err != nil {
		log.Warn(err)
		return c.NoContent(http.StatusBadRequest)
	}

	p := &model.Participant{
		ConnID: utils.RandString(12),
		Conn:   conn,
	}
	api.serveConn(p)
	return nil
}

// Serves one websocket connection. The first accepted join-session
// message attaches the connection to its room; everything that arrives
// before that no-ops defensively.
func (api *API) serveConn(p *model.Participant) {
	done := make(chan bool)
	roomKey := ""

	onConnect := func() {
		ticker := time.NewTicker(time.Second * 30)
		defer ticker.Stop()

		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				err := p.Ping()
				if err != nil {
					log.Warn(err)
				}
			}
		}
	}

	onDisconnect := func() {
		done <- true
		_ = p.Conn.Close()
		if roomKey != "" {
			api.relay.Disconnect(roomKey, p.ConnID)
		}
		log.Infof("conn %s disconnected from room %q", p.ConnID, roomKey)
	}

	sendResponse := func(ID string, code int) {
		res := &websocket.Response{
			ID: ID,
			Result: map[string]interface{}{
				"success": code == 200,
				"code":    code,
			},
		}

		b, err := json.Marshal(res)
		if err != nil {
			log.Error(err)
		} else {
			err = p.SendText(b)
			if err != nil {
				log.Error(err)
			}
		}
	}

	go onConnect()
	defer onDisconnect()

	for {
		b, err := wsutil.ReadClientText(p.Conn)
		if err != nil {
			break
		}

		var req websocket.Message
		err = json.Unmarshal(b, &req)
		if err != nil {
			sendResponse("", 422)
			continue
		}

		if err = req.Validate(); err != nil {
			log.Warn(err)
			sendResponse(req.ID, 422)
			continue
		}

		if req.Method == websocket.MethodJoinSession {
			if roomKey != "" {
				sendResponse(req.ID, 422)
				continue
			}

			videoID := req.Params["videoId"].(string)
			p.UserID = req.Params["userId"].(string)
			p.Name = req.Params["userName"].(string)
			role, _ := req.Params["userRole"].(string)
			p.Role = model.ParseRole(role)
			p.Color = utils.GetRandomColor()

			if !api.storage.VideoExist(videoID) {
				log.Debugf("join for unregistered video %s", videoID)
			}

			roomKey = api.relay.Join(videoID, p)
			sendResponse(req.ID, 200)
			continue
		}

		if roomKey == "" {
			// no room context yet, drop without surfacing an error
			sendResponse(req.ID, 200)
			continue
		}

		req.UserID = p.UserID
		req.ConnID = p.ConnID
		req.RoomID = roomKey
		req.SentAt = time.Now()
		b, err = json.Marshal(&req)
		if err != nil {
			log.Error(err)
			sendResponse(req.ID, 500)
			continue
		}

		err = api.msgBroker.Publish(b, api.eventsChannel+roomKey)
		if err != nil {
			log.Warn(err)
			sendResponse(req.ID, 500)
		} else {
			sendResponse(req.ID, 200)
		}
	}
}

// Message handler
func (api *API) handleMessages(msg *msgbroker.Message) {
	api.workerPool.Submit(func() {
		var req websocket.Message
		if err := json.Unmarshal(msg.Data, &req); err != nil {
			log.Error(err)
			return
		}
		api.relay.Dispatch(&req)
	})
}
