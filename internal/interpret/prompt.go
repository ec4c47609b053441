package interpret

import (
	"fmt"
	"strings"
	"time"
)

const systemPrompt = `Você é uma taróloga e astróloga experiente do Oráculo. Responda sempre em português do Brasil, com tom acolhedor e respeitoso. Não faça previsões de morte, doença ou desgraça, não dê conselhos médicos, jurídicos ou financeiros e lembre que a leitura é uma orientação, não uma certeza. Use no máximo 400 palavras.`

var lovePositions = []string{"Passado", "Presente", "Futuro"}

var celticCross = []string{
	"Situação atual",
	"Desafio",
	"Base",
	"Passado recente",
	"Coroa (potencial)",
	"Futuro próximo",
	"Você",
	"Ambiente",
	"Esperanças e medos",
	"Resultado",
}

func (r *TarotRequest) prompt() string {
	var b strings.Builder
	switch r.Kind {
	case TypeTarotDay:
		b.WriteString("Faça a leitura da carta do dia.\n")
	case TypeTarotLove:
		b.WriteString("Faça uma leitura de tarô do amor com três cartas (passado, presente e futuro da vida afetiva).\n")
	case TypeTarotFull:
		b.WriteString("Faça uma leitura completa na Cruz Celta com dez cartas, relacionando as posições entre si.\n")
	}
	if r.Question != "" {
		fmt.Fprintf(&b, "Pergunta do consulente: %q\n", r.Question)
	}
	b.WriteString("Cartas:\n")
	for i, c := range r.Cards {
		pos := c.Position
		if pos == "" {
			pos = defaultPosition(r.Kind, i)
		}
		orientation := "em pé"
		if c.Reversed {
			orientation = "invertida"
		}
		if pos != "" {
			fmt.Fprintf(&b, "%d. %s: %s (%s)\n", i+1, pos, c.Name, orientation)
		} else {
			fmt.Fprintf(&b, "%d. %s (%s)\n", i+1, c.Name, orientation)
		}
	}
	return b.String()
}

func defaultPosition(kind string, i int) string {
	switch kind {
	case TypeTarotLove:
		return lovePositions[i]
	case TypeTarotFull:
		return celticCross[i]
	}
	return ""
}

func (r *NumerologyRequest) prompt() string {
	birth, _ := time.Parse(dateLayout, r.BirthDate)
	return fmt.Sprintf(
		"Faça uma leitura numerológica para %s, nascido(a) em %s.\nNúmero do caminho de vida: %d.\nNúmero de expressão: %d.\nExplique o significado de cada número e como eles se combinam.\n",
		r.Name, birth.Format("02/01/2006"), LifePath(birth), Expression(r.Name),
	)
}

func (r *HoroscopeRequest) prompt() string {
	period := map[string]string{"dia": "de hoje", "semana": "desta semana", "mes": "deste mês"}[r.Period]
	return fmt.Sprintf("Escreva o horóscopo %s para o signo de %s, abordando amor, trabalho e bem-estar.\n", period, r.Sign)
}

func (r *BirthChartRequest) prompt() string {
	birth, _ := time.Parse(dateLayout, r.BirthDate)
	return fmt.Sprintf(
		"Faça uma interpretação introdutória do mapa astral de %s, nascido(a) em %s às %s em %s.\nComente o signo solar, o provável ascendente e os temas principais da personalidade.\n",
		r.Name, birth.Format("02/01/2006"), r.BirthTime, r.BirthPlace,
	)
}
