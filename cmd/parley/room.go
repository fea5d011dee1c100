package main

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/zulandar/parley/internal/models"
)

func newRoomCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "room",
		Short: "Create and inspect rooms",
	}
	cmd.AddCommand(newRoomCreateCmd())
	cmd.AddCommand(newRoomListCmd())
	cmd.AddCommand(newRoomShowCmd())
	cmd.AddCommand(newRoomAttachCmd())
	return cmd
}

func newRoomCreateCmd() *cobra.Command {
	var (
		configPath string
		name       string
		topic      string
		creator    string
		interval   int
		maxTurns   int
		sentences  int
		responders []string
	)

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a room",
		Long:  "Creates an active room. Responders attached with --responder start talking once a human posts the first message.",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, st, err := openStore(configPath)
			if err != nil {
				return err
			}
			room := &models.Room{
				Name:                name,
				Topic:               topic,
				CreatorID:           creator,
				TurnIntervalSeconds: interval,
			}
			if cmd.Flags().Changed("max-turns") {
				room.MaxResponderTurns = &maxTurns
			}
			if cmd.Flags().Changed("sentences") {
				room.SentenceCount = &sentences
			}
			if err := st.CreateRoom(cmd.Context(), room, responders); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Created room %s (%s)\n", room.Name, room.ID)
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to Parley config file")
	cmd.Flags().StringVar(&name, "name", "", "room name (required)")
	cmd.Flags().StringVar(&topic, "topic", "", "conversation topic (required)")
	cmd.Flags().StringVar(&creator, "creator", "", "user ID recorded as the room creator")
	cmd.Flags().IntVar(&interval, "interval", 60, "seconds between responder turns")
	cmd.Flags().IntVar(&maxTurns, "max-turns", 0, "cap on responder turns (unlimited when omitted)")
	cmd.Flags().IntVar(&sentences, "sentences", 0, "exact sentence count per responder reply")
	cmd.Flags().StringArrayVar(&responders, "responder", nil, "responder ID to attach (repeatable)")
	cmd.MarkFlagRequired("name")
	cmd.MarkFlagRequired("topic")
	return cmd
}

func newRoomListCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List rooms",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, st, err := openStore(configPath)
			if err != nil {
				return err
			}
			rooms, err := st.ListRooms(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(rooms) == 0 {
				fmt.Fprintln(out, "No rooms.")
				return nil
			}
			w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tNAME\tSTATUS\tTURNS\tINTERVAL")
			for _, r := range rooms {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%ds\n", r.ID, r.Name, r.Status, turnsLabel(r), r.TurnIntervalSeconds)
			}
			return w.Flush()
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to Parley config file")
	return cmd
}

func newRoomShowCmd() *cobra.Command {
	var (
		configPath string
		last       int
	)

	cmd := &cobra.Command{
		Use:   "show <room-id>",
		Short: "Show a room and its transcript",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, st, err := openStore(configPath)
			if err != nil {
				return err
			}
			room, err := st.LoadRoom(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%s (%s)\n", room.Name, room.ID)
			fmt.Fprintf(out, "Topic:   %s\n", room.Topic)
			fmt.Fprintf(out, "Status:  %s\n", room.Status)
			fmt.Fprintf(out, "Turns:   %s\n", turnsLabel(*room))
			if room.NextTurnAt != nil && room.Status == models.RoomActive {
				fmt.Fprintf(out, "Next:    %s\n", room.NextTurnAt.Format(time.RFC3339))
			}
			fmt.Fprint(out, "Roster: ")
			for _, r := range room.Responders {
				fmt.Fprintf(out, " %s (%s/%s)", r.Name, r.Provider, r.Model)
			}
			fmt.Fprintln(out)
			fmt.Fprintln(out)

			for _, m := range room.Recent(last) {
				fmt.Fprintf(out, "#%d %s [%s] %s: %s\n", m.Sequence, m.Timestamp.Format("15:04:05"), m.Kind, m.Sender, m.Content)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to Parley config file")
	cmd.Flags().IntVarP(&last, "last", "n", 50, "number of recent messages to print (0 = all)")
	return cmd
}

func newRoomAttachCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "attach <room-id> <responder-id>",
		Short: "Add a responder to a room's roster",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, st, err := openStore(configPath)
			if err != nil {
				return err
			}
			if err := st.AttachResponder(cmd.Context(), args[0], args[1]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Attached %s to %s\n", args[1], args[0])
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to Parley config file")
	return cmd
}

func turnsLabel(r models.Room) string {
	if r.MaxResponderTurns == nil {
		return fmt.Sprintf("%d", r.ResponderTurnCount)
	}
	return fmt.Sprintf("%d/%d", r.ResponderTurnCount, *r.MaxResponderTurns)
}
