package voice_test

import (
	"context"
	"log"
	"os"
	"os/signal"

	"github.com/relayvoice/relayvoice/discord"
	"github.com/relayvoice/relayvoice/utils/handler"
	"github.com/relayvoice/relayvoice/utils/ws"
	"github.com/relayvoice/relayvoice/voice"
)

// mainGateway stands in for the client owning the main gateway connection.
type mainGateway struct{}

func (mainGateway) SendGateway(ctx context.Context, cmd ws.Event) error { return nil }

func ExampleSession() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	var (
		userID    discord.UserID    = 1
		guildID   discord.GuildID   = 2
		channelID discord.ChannelID = 3
	)

	v := voice.NewSession(mainGateway{}, userID)

	// The main gateway has to hand voice events over, for example:
	//
	//	client.OnEvent(func(ev ws.Event) { v.HandleGatewayEvent(ev) })

	handler.Add(v.Handler, func(ev *voice.ErrorEvent) {
		log.Println("voice error:", ev.Err)
	})

	if err := v.JoinChannel(ctx, voice.JoinOptions{GuildID: guildID, ChannelID: channelID}); err != nil {
		log.Fatalln("failed to join voice channel:", err)
	}
	defer v.Leave(ctx)

	f, err := os.Open("testdata/sample.opus")
	if err != nil {
		log.Fatalln("failed to open audio:", err)
	}
	defer f.Close()

	d, err := v.PlayAudio(ctx, voice.OpusSource(f))
	if err != nil {
		log.Fatalln("failed to play audio:", err)
	}

	<-d.Done()
}
