package discord

import (
	"bytes"

	"github.com/bwmarrin/discordgo"
	"moff.io/moff-vault/internal/bot"
)

const fetching = "Fetching..."

func buttonStyle(s bot.ButtonStyle) discordgo.ButtonStyle {
	switch s {
	case bot.ButtonSecondary:
		return discordgo.SecondaryButton
	case bot.ButtonSuccess:
		return discordgo.SuccessButton
	case bot.ButtonDanger:
		return discordgo.DangerButton
	case bot.ButtonLink:
		return discordgo.LinkButton
	default:
		return discordgo.PrimaryButton
	}
}

func components(rows [][]bot.Button) []discordgo.MessageComponent {
	list := make([]discordgo.MessageComponent, 0, len(rows))
	for _, row := range rows {
		buttons := make([]discordgo.MessageComponent, 0, len(row))
		for _, b := range row {
			button := discordgo.Button{Label: b.Label, Style: buttonStyle(b.Style)}
			if b.URL != "" {
				button.Style = discordgo.LinkButton
				button.URL = b.URL
			} else {
				button.CustomID = b.CustomID
			}
			buttons = append(buttons, button)
		}
		list = append(list, discordgo.ActionsRow{Components: buttons})
	}
	return list
}

func embeds(list []bot.Embed) []*discordgo.MessageEmbed {
	out := make([]*discordgo.MessageEmbed, 0, len(list))
	for _, e := range list {
		m := &discordgo.MessageEmbed{
			Title:       e.Title,
			Description: e.Description,
			URL:         e.URL,
			Color:       e.Color,
		}
		if e.ImageURL != "" {
			m.Image = &discordgo.MessageEmbedImage{URL: e.ImageURL}
		}
		if e.Footer != "" {
			m.Footer = &discordgo.MessageEmbedFooter{Text: e.Footer}
		}
		for _, f := range e.Fields {
			m.Fields = append(m.Fields, &discordgo.MessageEmbedField{Name: f.Name, Value: f.Value, Inline: f.Inline})
		}
		out = append(out, m)
	}
	return out
}

func files(list []bot.File) []*discordgo.File {
	out := make([]*discordgo.File, 0, len(list))
	for _, f := range list {
		out = append(out, &discordgo.File{Name: f.Name, ContentType: f.ContentType, Reader: bytes.NewReader(f.Data)})
	}
	return out
}

func messageSend(r *bot.Reply) *discordgo.MessageSend {
	return &discordgo.MessageSend{
		Content:    r.Content,
		Embeds:     embeds(r.Embeds),
		Components: components(r.Rows),
		Files:      files(r.Files),
	}
}

func responseData(r *bot.Reply) *discordgo.InteractionResponseData {
	data := &discordgo.InteractionResponseData{
		Content:    r.Content,
		Embeds:     embeds(r.Embeds),
		Components: components(r.Rows),
		Files:      files(r.Files),
	}
	if r.Ephemeral {
		data.Flags = discordgo.MessageFlagsEphemeral
	}
	return data
}

func interactionResponse(r *bot.Reply) *discordgo.InteractionResponse {
	if r.Modal != nil {
		return modalResponse(r.Modal)
	}
	return &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseChannelMessageWithSource,
		Data: responseData(r),
	}
}

// deferredResponse acknowledges a slow command; the answer replaces it later.
func deferredResponse() *discordgo.InteractionResponse {
	return &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseChannelMessageWithSource,
		Data: &discordgo.InteractionResponseData{
			Content: fetching,
			Flags:   discordgo.MessageFlagsEphemeral,
		},
	}
}

func webhookEdit(r *bot.Reply) *discordgo.WebhookEdit {
	content := r.Content
	list := embeds(r.Embeds)
	rows := components(r.Rows)
	return &discordgo.WebhookEdit{
		Content:    &content,
		Embeds:     &list,
		Components: &rows,
		Files:      files(r.Files),
	}
}

func modalResponse(m *bot.Modal) *discordgo.InteractionResponse {
	rows := make([]discordgo.MessageComponent, 0, len(m.Inputs))
	for _, in := range m.Inputs {
		rows = append(rows, discordgo.ActionsRow{
			Components: []discordgo.MessageComponent{
				discordgo.TextInput{
					CustomID:  in.CustomID,
					Label:     in.Label,
					Style:     discordgo.TextInputShort,
					Required:  in.Required,
					MaxLength: in.MaxLength,
				},
			},
		})
	}
	return &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseModal,
		Data: &discordgo.InteractionResponseData{
			CustomID:   m.CustomID,
			Title:      m.Title,
			Components: rows,
		},
	}
}
